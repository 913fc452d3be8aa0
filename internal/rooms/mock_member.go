// ABOUTME: MockMember, an in-memory room member for tests of rooms and its callers
// ABOUTME: Records every frame it is sent and can be told to reject sends

package rooms

import (
	"encoding/json"
	"sync"
)

// MockMember is a Member that records frames instead of writing to a socket.
type MockMember struct {
	id     string
	userID string

	mu     sync.Mutex
	frames [][]byte
	err    error
}

// NewMockMember creates a MockMember for connection id belonging to userID.
func NewMockMember(id, userID string) *MockMember {
	return &MockMember{id: id, userID: userID}
}

func (f *MockMember) ID() string     { return f.id }
func (f *MockMember) UserID() string { return f.userID }

// Send records payload, or returns the error set with FailWith.
func (f *MockMember) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, payload)
	return nil
}

// FailWith makes later sends fail with err. A nil err restores delivery.
func (f *MockMember) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Frames returns every frame received so far, as strings.
func (f *MockMember) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.frames))
	for i, fr := range f.frames {
		out[i] = string(fr)
	}
	return out
}

// FramesOfType returns the data of every received JSON frame whose type is kind.
func (f *MockMember) FramesOfType(kind string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, fr := range f.frames {
		var frame struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal(fr, &frame) == nil && frame.Type == kind {
			out = append(out, frame.Data)
		}
	}
	return out
}

// Reset forgets all received frames.
func (f *MockMember) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

var _ Member = (*MockMember)(nil)
