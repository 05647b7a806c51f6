package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dohr-michael/quorum/internal/action"
	"github.com/dohr-michael/quorum/internal/agent"
	"github.com/dohr-michael/quorum/internal/config"
	"github.com/dohr-michael/quorum/internal/fault"
)

// fetchExecutor runs fetch_web: a bounded GET with HTML to text
// extraction. Page content is fenced as untrusted before it reaches
// agent history.
type fetchExecutor struct {
	client   *http.Client
	maxBytes int64
	retry    retryPolicy
}

func newFetchExecutor(cfg config.FetchConfig, retry retryPolicy) *fetchExecutor {
	timeout := cfg.Timeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := int64(cfg.MaxBytes)
	if maxBytes <= 0 {
		maxBytes = 512 * 1024
	}
	return &fetchExecutor{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		retry:    retry,
	}
}

func (e *fetchExecutor) Execute(ctx context.Context, _ agent.Scope, act action.Action) Outcome {
	url := pstr(act.Params, "url")
	if strings.HasPrefix(url, "http://") {
		url = "https://" + strings.TrimPrefix(url, "http://")
	}

	var body []byte
	var status int
	err := e.retry.do(ctx, func() error {
		var ferr error
		body, status, ferr = e.fetchOnce(ctx, url)
		return ferr
	})
	if err != nil {
		return failure(act, err)
	}

	content := extractText(string(body))
	if int64(len(content)) > e.maxBytes {
		content = content[:e.maxBytes]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (status %d)\n", url, status)
	if prompt := pstr(act.Params, "prompt"); prompt != "" {
		fmt.Fprintf(&b, "looking for: %s\n", prompt)
	}
	b.WriteString("<untrusted_content>\n")
	b.WriteString(content)
	b.WriteString("\n</untrusted_content>")

	return successData(act, b.String(), map[string]any{"url": url, "status": status})
}

// fetchOnce performs a single bounded GET. Errors carry fault kinds so
// the retry policy can tell transient upstream trouble from dead ends.
func (e *fetchExecutor) fetchOnce(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fault.Wrap(fault.InvalidParam, err, "fetch_web: bad url %q", url)
	}
	req.Header.Set("User-Agent", "quorum/1.0 (fetch_web)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain,*/*")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, transportFault(err, "fetch_web", url)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes))
	if err != nil {
		return nil, 0, fault.Wrap(fault.ConnectionFailed, err, "fetch_web: read %s", url)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, httpFault(resp.StatusCode, "fetch_web", url)
	}
	return body, resp.StatusCode, nil
}

// transportFault classifies a client-side HTTP failure.
func transportFault(err error, op, target string) error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return fault.Wrap(fault.RequestTimeout, err, "%s: %s timed out", op, target)
	}
	return fault.Wrap(fault.ConnectionFailed, err, "%s: %s", op, target)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// httpFault maps an HTTP error status onto the fault taxonomy.
func httpFault(status int, op, target string) error {
	var kind fault.Kind
	switch {
	case status == http.StatusUnauthorized:
		kind = fault.AuthenticationFailed
	case status == http.StatusForbidden:
		kind = fault.Forbidden
	case status == http.StatusNotFound:
		kind = fault.NotFound
	case status == http.StatusTooManyRequests:
		kind = fault.RateLimitExceeded
	case status == http.StatusBadGateway:
		kind = fault.BadGateway
	case status == http.StatusGatewayTimeout:
		kind = fault.GatewayTimeout
	case status == http.StatusServiceUnavailable:
		kind = fault.ServiceUnavailable
	case status >= 500:
		kind = fault.ServiceUnavailable
	default:
		kind = fault.InvalidResponseFormat
	}
	return fault.New(kind, "%s: %s returned %d", op, target, status)
}

// extractText strips tags from HTML with a small state machine, dropping
// script and style bodies, emitting newlines at block boundaries and
// collapsing runs of whitespace.
func extractText(html string) string {
	var sb strings.Builder
	sb.Grow(len(html) / 2)

	inTag := false
	inScript := false
	inStyle := false
	lastSpace := true

	lower := strings.ToLower(html)

	for i := 0; i < len(html); {
		r, size := utf8.DecodeRuneInString(html[i:])

		if inScript {
			if strings.HasPrefix(lower[i:], "</script>") {
				inScript = false
				i += len("</script>")
				continue
			}
			i += size
			continue
		}
		if inStyle {
			if strings.HasPrefix(lower[i:], "</style>") {
				inStyle = false
				i += len("</style>")
				continue
			}
			i += size
			continue
		}

		if r == '<' {
			rest := lower[i:]
			if strings.HasPrefix(rest, "<script") {
				inScript = true
			} else if strings.HasPrefix(rest, "<style") {
				inStyle = true
			}
			inTag = true

			if len(rest) > 1 && blockBoundary(rest[1:]) && !lastSpace {
				sb.WriteByte('\n')
				lastSpace = true
			}
			i += size
			continue
		}
		if r == '>' {
			inTag = false
			i += size
			continue
		}
		if inTag {
			i += size
			continue
		}

		if r == '&' {
			end := strings.IndexByte(html[i:], ';')
			if end > 0 && end < 10 {
				entity := html[i : i+end+1]
				switch entity {
				case "&nbsp;", "&#160;":
					sb.WriteByte(' ')
				case "&amp;":
					sb.WriteByte('&')
				case "&lt;":
					sb.WriteByte('<')
				case "&gt;":
					sb.WriteByte('>')
				case "&quot;":
					sb.WriteByte('"')
				default:
					sb.WriteString(entity)
				}
				lastSpace = false
				i += end + 1
				continue
			}
		}

		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastSpace {
				sb.WriteByte(' ')
				lastSpace = true
			}
			i += size
			continue
		}

		sb.WriteRune(r)
		lastSpace = false
		i += size
	}

	return strings.TrimSpace(sb.String())
}

var blockTags = []string{"p", "div", "br", "br/", "br /", "h1", "h2", "h3", "h4", "li", "tr", "td"}

// blockBoundary reports whether the tag starting at rest (sans '<') opens
// or closes a block-level element.
func blockBoundary(rest string) bool {
	name := strings.TrimPrefix(rest, "/")
	for _, t := range blockTags {
		if strings.HasPrefix(name, t+">") || strings.HasPrefix(name, t+" ") {
			return true
		}
	}
	return false
}
