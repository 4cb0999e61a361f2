package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/gorilla/websocket"
	"github.com/h2non/filetype"
	"github.com/spf13/cobra"

	"github.com/satriahrh/l2dbridge/internal/protocol"
)

var (
	probeURL      string
	probeClientID string
	probeImage    string
	probeWait     time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe [text]",
	Short: "Connect as a desktop client, send a message and print what comes back",
	Long: `probe performs the handshake a desktop client would, optionally sends one
input.message and prints every packet the bridge sends until --wait elapses.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeURL, "url", "", "WebSocket URL (default ws://<ws_host>:<ws_port><ws_path>)")
	probeCmd.Flags().StringVar(&probeClientID, "client-id", "l2dbridge-probe", "Client id presented in the handshake")
	probeCmd.Flags().StringVar(&probeImage, "image", "", "Image file sent inline with the message")
	probeCmd.Flags().DurationVar(&probeWait, "wait", 5*time.Second, "How long to print incoming packets")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	target := probeURL
	if target == "" {
		u := url.URL{Scheme: "ws", Host: cfg.WSAddr(), Path: cfg.WSPath}
		if u.Hostname() == "0.0.0.0" {
			u.Host = fmt.Sprintf("127.0.0.1:%d", cfg.WSPort)
		}
		target = u.String()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	codec := protocol.NewCodec(cfg.MaxFrameBytes)
	out := cmd.OutOrStdout()
	send := func(p *protocol.Packet) error {
		data, err := codec.Encode(p)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	err = send(protocol.NewPacket(protocol.OpHandshake, map[string]interface{}{
		"version":      protocol.Version,
		"token":        cfg.AuthToken,
		"clientId":     probeClientID,
		"client":       "l2dbridge-probe",
		"capabilities": []string{"perform.show", "perform.interrupt"},
	}))
	if err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout()))
	ack, err := readPacket(conn, codec)
	if err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	if ack.Op != protocol.OpHandshakeAck {
		printPacket(out, ack)
		return &exitError{fmt.Errorf("handshake rejected")}
	}
	okLabel.Fprintf(out, "Connected to %s\n", target)
	printPacket(out, ack)

	if len(args) > 0 || probeImage != "" {
		msg, err := probeMessage(args)
		if err != nil {
			return err
		}
		if err := send(msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}

	deadline := time.Now().Add(probeWait)
	for {
		_ = conn.SetReadDeadline(deadline)
		p, err := readPacket(conn, codec)
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return err
		}
		printPacket(out, p)
	}
}

func probeMessage(args []string) (*protocol.Packet, error) {
	var content []map[string]interface{}
	if len(args) > 0 {
		content = append(content, map[string]interface{}{"type": "text", "text": args[0]})
	}
	if probeImage != "" {
		data, err := os.ReadFile(probeImage)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		kind, _ := filetype.Image(data)
		if kind == filetype.Unknown {
			return nil, fmt.Errorf("%s is not a recognised image", path.Base(probeImage))
		}
		content = append(content, map[string]interface{}{
			"type":   "image",
			"inline": base64.StdEncoding.EncodeToString(data),
			"mime":   kind.MIME.Value,
		})
	}
	return protocol.NewPacket(protocol.OpInputMessage, map[string]interface{}{
		"content":  content,
		"metadata": map[string]interface{}{"userName": "probe"},
	}), nil
}

func readPacket(conn *websocket.Conn, codec protocol.Codec) (*protocol.Packet, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return codec.Decode(data)
	}
}

func printPacket(w io.Writer, p *protocol.Packet) {
	label := keyLabel
	if p.Op == protocol.OpError {
		label = errorLabel
	}
	label.Fprintf(w, "<- %s ", p.Op)
	body := map[string]interface{}{"id": p.ID}
	if p.Payload != nil {
		body["payload"] = p.Payload
	}
	if p.Error != nil {
		body["error"] = p.Error
	}
	data, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintln(w, string(data))
}
