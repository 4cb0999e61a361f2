package protocol

import "strings"

// Version is the protocol version spoken by this server.
const Version = "1.0.0"

// System ops
const (
	OpHandshake    = "sys.handshake"
	OpHandshakeAck = "sys.handshake_ack"
	OpPing         = "sys.ping"
	OpPong         = "sys.pong"
	OpError        = "sys.error"
)

// Input ops
const (
	OpInputMessage  = "input.message"
	OpInputTouch    = "input.touch"
	OpInputShortcut = "input.shortcut"
)

// Performance ops
const (
	OpPerformShow      = "perform.show"
	OpPerformInterrupt = "perform.interrupt"
)

// State ops
const (
	OpStateReady   = "state.ready"
	OpStatePlaying = "state.playing"
	OpStateConfig  = "state.config"
	OpStateModel   = "state.model"
)

// Resource ops
const (
	OpResourcePrepare  = "resource.prepare"
	OpResourceCommit   = "resource.commit"
	OpResourceGet      = "resource.get"
	OpResourceRelease  = "resource.release"
	OpResourceProgress = "resource.progress"
)

// Model ops
const (
	OpModelList          = "model.list"
	OpModelLoad          = "model.load"
	OpModelUnload        = "model.unload"
	OpModelState         = "model.state"
	OpModelSetExpression = "model.setExpression"
	OpModelPlayMotion    = "model.playMotion"
	OpModelSetParameter  = "model.setParameter"
	OpModelLookAt        = "model.lookAt"
	OpModelSpeak         = "model.speak"
	OpModelStop          = "model.stop"
)

// Desktop ops
const (
	OpDesktopWindowShow            = "desktop.window.show"
	OpDesktopWindowHide            = "desktop.window.hide"
	OpDesktopWindowMove            = "desktop.window.move"
	OpDesktopWindowResize          = "desktop.window.resize"
	OpDesktopWindowSetOpacity      = "desktop.window.setOpacity"
	OpDesktopWindowSetTopmost      = "desktop.window.setTopmost"
	OpDesktopWindowSetClickThrough = "desktop.window.setClickThrough"
	OpDesktopWindowList            = "desktop.window.list"
	OpDesktopWindowActive          = "desktop.window.active"
	OpDesktopCaptureScreenshot     = "desktop.capture.screenshot"
	OpDesktopTrayNotify            = "desktop.tray.notify"
	OpDesktopOpenURL               = "desktop.openUrl"
)

// Features advertised in the handshake ack.
var Features = []string{"message_chain", "tts_url", "multi_modal", "voice_input"}

// ServerCapabilities lists the client-originated ops this server understands.
var ServerCapabilities = []string{
	OpInputMessage,
	OpInputTouch,
	OpInputShortcut,
	OpPerformShow,
	OpPerformInterrupt,
	OpResourcePrepare,
	OpResourceCommit,
	OpResourceGet,
	OpResourceRelease,
	OpResourceProgress,
	OpStateReady,
	OpStatePlaying,
	OpStateConfig,
	OpStateModel,
}

// IsQueryOp reports whether op is a server-initiated request that the client
// answers asynchronously with a packet carrying the same id.
func IsQueryOp(op string) bool {
	return strings.HasPrefix(op, "desktop.") || strings.HasPrefix(op, "model.")
}
