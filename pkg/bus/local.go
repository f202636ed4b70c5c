package bus

import "log/slog"

// Local is an in-process Client. It backs tests and single-process
// deployments where every actor shares one address space.
type Local struct {
	hub *hub
}

// NewLocal returns an in-process bus.
func NewLocal(log *slog.Logger) *Local {
	return &Local{hub: newHub(log)}
}

func (l *Local) Emit(msg Message) {
	l.hub.publish(NewMessage(msg.Type, msg.Data, msg.Context))
}

func (l *Local) On(msgType string, h Handler) func() {
	return l.hub.subscribe(msgType, h, false, false)
}

func (l *Local) OnSync(msgType string, h Handler) func() {
	return l.hub.subscribe(msgType, h, true, false)
}

func (l *Local) Once(msgType string, h Handler) func() {
	return l.hub.subscribe(msgType, h, false, true)
}

func (l *Local) Close() error {
	l.hub.close()
	return nil
}

var _ Client = (*Local)(nil)
