package session

// Observer receives session lifecycle and delivery signals. Implementations
// must not block; they are called from session goroutines.
type Observer interface {
	SessionOpened(sessionID string)
	SessionClosed(sessionID, reason string)
	Acked(sessionID, topic string)
	Dropped(sessionID, topic string)
	ProtocolError(sessionID string, err error)
	Denied(sessionID, topic string, err error)
}

// NopObserver ignores every signal. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionOpened(string) {}
func (NopObserver) SessionClosed(string, string) {}
func (NopObserver) Acked(string, string) {}
func (NopObserver) Dropped(string, string) {}
func (NopObserver) ProtocolError(string, error) {}
func (NopObserver) Denied(string, string, error) {}

// Observers fans every signal out to each member in order.
type Observers []Observer

func (o Observers) SessionOpened(id string) {
	for _, obs := range o {
		obs.SessionOpened(id)
	}
}

func (o Observers) SessionClosed(id, reason string) {
	for _, obs := range o {
		obs.SessionClosed(id, reason)
	}
}

func (o Observers) Acked(id, topic string) {
	for _, obs := range o {
		obs.Acked(id, topic)
	}
}

func (o Observers) Dropped(id, topic string) {
	for _, obs := range o {
		obs.Dropped(id, topic)
	}
}

func (o Observers) ProtocolError(id string, err error) {
	for _, obs := range o {
		obs.ProtocolError(id, err)
	}
}

func (o Observers) Denied(id, topic string, err error) {
	for _, obs := range o {
		obs.Denied(id, topic, err)
	}
}
