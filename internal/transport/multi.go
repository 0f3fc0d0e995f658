package transport

import (
	"context"
	"fmt"
)

// Multi fans a single outbound Send across whichever registered transport
// owns chatID (spec §4.1: transports are independent collaborators selected
// by name, not a single hardcoded backend). With one transport configured
// this only ever resolves to that transport; it exists so adding a second
// transport needs no change at the Group Queue/IPC Sender call sites.
type Multi struct {
	transports []Transport
}

func NewMulti(transports ...Transport) *Multi {
	return &Multi{transports: transports}
}

func (m *Multi) Send(ctx context.Context, chatID, text string) error {
	t, err := m.resolve(chatID)
	if err != nil {
		return err
	}
	return t.Send(ctx, chatID, text)
}

// MaxMessageLength reports the smallest limit across registered transports,
// the same way the Outbound Splitter would need to size a segment before it
// knows which transport owns the destination chat.
func (m *Multi) MaxMessageLength() int {
	min := 0
	for _, t := range m.transports {
		if n := t.MaxMessageLength(); min == 0 || (n > 0 && n < min) {
			min = n
		}
	}
	return min
}

func (m *Multi) resolve(chatID string) (Transport, error) {
	for _, t := range m.transports {
		if t.OwnsChatId(chatID) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no transport owns chat id %q", chatID)
}
