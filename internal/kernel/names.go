package kernel

import (
	"fmt"
	"strings"
	"sync"
)

// Names hands out fresh identifiers. Each Specializer owns one, so names
// are unique per session without any process-wide counter.
type Names struct {
	mu   sync.Mutex
	next map[string]int
}

// NewNames returns an empty name arena.
func NewNames() *Names {
	return &Names{next: make(map[string]int)}
}

// Fresh returns prefix followed by a number not yet issued for prefix.
func (n *Names) Fresh(prefix string) string {
	prefix = sanitize(prefix)
	n.mu.Lock()
	defer n.mu.Unlock()
	i := n.next[prefix]
	n.next[prefix] = i + 1
	return fmt.Sprintf("%s_%d", prefix, i)
}

// sanitize keeps identifier characters valid in every dialect.
func sanitize(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('k')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "k"
	}
	return b.String()
}
