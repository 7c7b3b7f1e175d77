package ingestion_engine

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many model tokens a text costs.
type TokenCounter interface {
	Count(text string) int
}

// ApproxCounter assumes roughly four characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenCounter counts with a BPE encoding. The encoding is loaded on first
// use; if it cannot be loaded every call falls back to ApproxCounter.
type TiktokenCounter struct {
	encoding string
	log      *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string, log *slog.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	if log == nil {
		log = slog.Default()
	}
	return &TiktokenCounter{encoding: encoding, log: log}
}

func (c *TiktokenCounter) Count(s string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.log.Warn("tiktoken encoding unavailable, approximating token counts", "encoding", c.encoding, "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return ApproxCounter{}.Count(s)
	}
	return len(c.enc.Encode(s, nil, nil))
}
