// Package command routes text datagrams of the form "<keyword> <argument>"
// to registered handlers.
package command

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"

	"udplistener/pkg/textcodec"
	"udplistener/pkg/udperr"
)

const name = "udplistener/pkg/command"

var logger = otelslog.NewLogger(name)

// Handler receives the argument token that followed the keyword and the
// address the datagram came from.
type Handler func(ctx context.Context, arg string, from *net.UDPAddr)

type entry struct {
	keyword string
	tokens  []string
	handler Handler
}

// Table maps case-folded keywords to handlers. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]entry)}
}

// Normalize case-folds a keyword and collapses its whitespace.
func Normalize(keyword string) string {
	return strings.Join(strings.Fields(strings.ToLower(keyword)), " ")
}

// Register adds a handler, replacing any handler already registered under
// the same keyword.
func (t *Table) Register(keyword string, h Handler) error {
	kw := Normalize(keyword)
	if kw == "" {
		return udperr.Validation("register", "keyword must not be empty")
	}
	if h == nil {
		return udperr.Validation("register", "handler for %q must not be nil", kw)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[kw] = entry{
		keyword: kw,
		tokens:  strings.Fields(kw),
		handler: h,
	}
	return nil
}

func (t *Table) Unregister(keyword string) error {
	kw := Normalize(keyword)

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[kw]; !ok {
		return udperr.NotFound("unregister", kw)
	}
	delete(t.entries, kw)
	return nil
}

func (t *Table) Has(keyword string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.entries[Normalize(keyword)]
	return ok
}

// Keywords lists the registered keywords in dispatch order.
func (t *Table) Keywords() []string {
	ordered := t.ordered()
	kws := make([]string, len(ordered))
	for i, e := range ordered {
		kws[i] = e.keyword
	}
	return kws
}

// ordered snapshots the table: keywords with more words first, then longer
// keywords, then alphabetical.
func (t *Table) ordered() []entry {
	t.mu.RLock()
	entries := make([]entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	slices.SortFunc(entries, func(a, b entry) int {
		if d := len(b.tokens) - len(a.tokens); d != 0 {
			return d
		}
		if d := len(b.keyword) - len(a.keyword); d != 0 {
			return d
		}
		return strings.Compare(a.keyword, b.keyword)
	})
	return entries
}

// Dispatch fires every handler whose keyword matches the leading words of
// text and is followed by an argument word. Keywords match
// case-insensitively; the argument is passed with its original case and
// anything after it is ignored. It returns the keywords that fired.
func (t *Table) Dispatch(ctx context.Context, text string, from *net.UDPAddr) []string {
	words := strings.Fields(text)
	folded := make([]string, len(words))
	for i, w := range words {
		folded[i] = strings.ToLower(w)
	}

	var fired []string
	for _, e := range t.ordered() {
		n := len(e.tokens)
		if len(words) <= n || !slices.Equal(folded[:n], e.tokens) {
			continue
		}
		logger.DebugContext(ctx, "dispatching command", "keyword", e.keyword, "from", addrString(from))
		e.handler(ctx, words[n], from)
		fired = append(fired, e.keyword)
	}

	if len(fired) == 0 {
		logger.DebugContext(ctx, "no command matched", "text", text, "from", addrString(from))
	}
	return fired
}

// DispatchBytes decodes payload with codec and dispatches the text. A
// payload the codec rejects is returned as an error and dispatches nothing.
func (t *Table) DispatchBytes(ctx context.Context, payload []byte, codec textcodec.Codec, from *net.UDPAddr) ([]string, error) {
	text, err := codec.Decode(payload)
	if err != nil {
		return nil, err
	}
	return t.Dispatch(ctx, text, from), nil
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
