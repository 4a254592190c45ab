package main

import (
	"fmt"
	"io"
	"sync"

	murmur "github.com/murmur-chat/murmur/sdk/golang"
)

// terminal prints view changes as lines of text.
type terminal struct {
	mu    sync.Mutex
	out   io.Writer
	quiet bool
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

// observe is installed as the MemoryView observer.
func (t *terminal) observe(change murmur.ViewChange, item *murmur.ViewMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.quiet || item == nil {
		return
	}
	switch change {
	case murmur.ViewRendered:
		t.printMessage(item)
	case murmur.ViewLiked:
		if item.Liked() == murmur.LikeLiked {
			fmt.Fprintf(t.out, "  [%d] liked\n", item.MessageID())
		} else {
			fmt.Fprintf(t.out, "  [%d] unliked\n", item.MessageID())
		}
	case murmur.ViewDeleted:
		if item.Deleted() {
			fmt.Fprintf(t.out, "  [%d] deleted\n", item.MessageID())
		} else {
			fmt.Fprintf(t.out, "  [%d] restored\n", item.MessageID())
		}
	case murmur.ViewPreview:
		fmt.Fprintf(t.out, "  [%d] quoted message was deleted\n", item.MessageID())
	}
}

func (t *terminal) printMessage(item *murmur.ViewMessage) {
	who := shortID(item.From())
	if item.Outgoing() {
		who = "you"
	}
	if r := item.Reply(); r != nil {
		fmt.Fprintf(t.out, "      > %s\n", r.Text)
	}
	contents := item.Contents()
	if item.Deleted() {
		contents = murmur.DeletedPlaceholder
	}
	heart := ""
	if item.Liked() == murmur.LikeLiked {
		heart = " <3"
	}
	fmt.Fprintf(t.out, "[%d] %s: %s%s\n", item.MessageID(), who, contents, heart)
}

// setQuiet suppresses output, e.g. while a one-shot command loads history it
// does not print.
func (t *terminal) setQuiet(q bool) {
	t.mu.Lock()
	t.quiet = q
	t.mu.Unlock()
}

// Alert implements murmur.Alerter.
func (t *terminal) Alert(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "! %s\n", message)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
