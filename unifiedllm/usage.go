package unifiedllm

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens in a piece of text.
type TokenCounter interface {
	Count(text string) int
}

// ApproxCounter estimates four characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	return len(text) / 4
}

// TiktokenCounter counts tokens with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. "cl100k_base").
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// DefaultBpeFetchTimeout bounds the one-time download of a BPE encoding.
const DefaultBpeFetchTimeout = 3 * time.Second

// BpeLoader loads tiktoken rank files from the local cache and fetches
// missing ones with a bounded HTTP request. The cache directory follows
// tiktoken's own convention (TIKTOKEN_CACHE_DIR, else the temp dir), so
// files it downloaded are reused.
type BpeLoader struct {
	CacheDir string
	Client   *http.Client
}

// NewBpeLoader returns a loader whose fetches give up after timeout.
func NewBpeLoader(timeout time.Duration) *BpeLoader {
	cacheDir := os.Getenv("TIKTOKEN_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "data-gym-cache")
	}
	return &BpeLoader{
		CacheDir: cacheDir,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (l *BpeLoader) LoadTiktokenBpe(file string) (map[string]int, error) {
	contents, err := l.read(file)
	if err != nil {
		return nil, err
	}
	return parseBpeRanks(contents)
}

func (l *BpeLoader) read(file string) ([]byte, error) {
	if !strings.HasPrefix(file, "http://") && !strings.HasPrefix(file, "https://") {
		return os.ReadFile(file)
	}

	cachePath := ""
	if l.CacheDir != "" {
		cachePath = filepath.Join(l.CacheDir, fmt.Sprintf("%x", sha1.Sum([]byte(file))))
		if data, err := os.ReadFile(cachePath); err == nil {
			return data, nil
		}
	}

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultBpeFetchTimeout}
	}
	resp, err := client.Get(file)
	if err != nil {
		return nil, fmt.Errorf("fetch bpe ranks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch bpe ranks: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch bpe ranks: %w", err)
	}

	if cachePath != "" {
		if err := os.MkdirAll(l.CacheDir, 0o755); err == nil {
			tmp := cachePath + ".tmp"
			if err := os.WriteFile(tmp, data, 0o644); err == nil {
				_ = os.Rename(tmp, cachePath)
			}
		}
	}
	return data, nil
}

// parseBpeRanks decodes "<base64 token> <rank>" lines.
func parseBpeRanks(contents []byte) (map[string]int, error) {
	ranks := make(map[string]int)
	for _, line := range strings.Split(string(contents), "\n") {
		if line == "" {
			continue
		}
		token, rankText, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("bpe ranks: malformed line %q", line)
		}
		decoded, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			return nil, fmt.Errorf("bpe ranks: %w", err)
		}
		rank, err := strconv.Atoi(strings.TrimSpace(rankText))
		if err != nil {
			return nil, fmt.Errorf("bpe ranks: %w", err)
		}
		ranks[string(decoded)] = rank
	}
	return ranks, nil
}

var (
	defaultCounter     TokenCounter
	defaultCounterOnce sync.Once
)

// DefaultTokenCounter returns a cl100k_base counter, or ApproxCounter when
// the encoding cannot be loaded. The encoding is loaded on first use; a
// download is bounded by DefaultBpeFetchTimeout.
func DefaultTokenCounter() TokenCounter {
	defaultCounterOnce.Do(func() {
		tiktoken.SetBpeLoader(NewBpeLoader(DefaultBpeFetchTimeout))
		if c, err := NewTiktokenCounter("cl100k_base"); err == nil {
			defaultCounter = c
			return
		}
		defaultCounter = ApproxCounter{}
	})
	return defaultCounter
}

// EstimateUsage approximates token usage for providers that do not report it.
func EstimateUsage(counter TokenCounter, req Request, output string) Usage {
	input := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				input += counter.Count(part.Text)
			case ContentToolCall:
				if part.ToolCall != nil {
					input += counter.Count(part.ToolCall.Name) + counter.Count(string(part.ToolCall.Arguments))
				}
			case ContentToolResult:
				if part.ToolResult != nil {
					input += counter.Count(part.ToolResult.Content)
				}
			}
		}
	}
	out := counter.Count(output)
	return Usage{
		InputTokens:  input,
		OutputTokens: out,
		TotalTokens:  input + out,
		Estimated:    true,
	}
}
