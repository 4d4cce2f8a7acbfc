// Package postmaster turns fetched raw messages into stored items and
// tickets.
package postmaster

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"

	"github.com/mailbridge-io/mailbridge/internal/faults"
)

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

const defaultBodyLimit = 128 * 1024

// Envelope is the parsed view of one inbound email: the correlation headers
// plus the displayable body.
type Envelope struct {
	Subject      string
	FromName     string
	FromAddress  string
	ToAddress    string
	MessageID    string
	InReplyTo    string
	ReferenceIDs []string
	Body         string
	SentAt       time.Time
}

// Parser extracts envelopes from raw RFC822 payloads.
type Parser struct {
	maxBodyBytes int64
	decoder      *mime.WordDecoder
	logger       *slog.Logger
}

// ParserOption customizes Parser.
type ParserOption func(*Parser)

// NewParser builds a parser with the default body limit.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		maxBodyBytes: defaultBodyLimit,
		decoder:      &mime.WordDecoder{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithParserBodyLimit constrains how much body text is retained.
func WithParserBodyLimit(limit int64) ParserOption {
	return func(p *Parser) {
		if limit > 0 {
			p.maxBodyBytes = limit
		}
	}
}

// WithParserLogger overrides the logger used for part-level diagnostics.
func WithParserLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Parse extracts the envelope from a raw message. The body is the first
// text/plain part; a message carrying only HTML parts yields an empty body
// rather than rendered markup. Header-level failures come back as parse
// faults and are not retryable.
func (p *Parser) Parse(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, faults.New(faults.KindParse, "empty message payload")
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, faults.Newf(faults.KindParse, "read message: %v", err)
	}

	env := &Envelope{}
	env.Subject = p.subjectFromHeader(&reader.Header)
	env.FromName, env.FromAddress = p.fromHeader(&reader.Header)
	env.ToAddress = p.firstAddress(&reader.Header, "To")
	env.MessageID = normalizeMessageID(reader.Header.Get("Message-Id"))
	env.InReplyTo = firstMessageID(reader.Header.Get("In-Reply-To"))
	env.ReferenceIDs = uniqueMessageIDs(reader.Header.Values("References")...)
	if date, err := reader.Header.Date(); err == nil {
		env.SentAt = date.UTC()
	}
	body, err := p.readPlainBody(reader)
	if err != nil {
		return nil, err
	}
	env.Body = body
	return env, nil
}

// readPlainBody walks the MIME parts and returns the first text/plain one.
// A non-multipart text message surfaces here as a single inline part.
// Broken part structure or a payload its transfer encoding cannot decode is
// a parse fault: the message gets skipped, never stored half-read.
func (p *Parser) readPlainBody(reader *gomail.Reader) (string, error) {
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		if err != nil {
			return "", faults.Newf(faults.KindParse, "read mime part: %v", err)
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mimeType, _, ctErr := header.ContentType()
		if ctErr != nil {
			mimeType, _ = parseContentType(header.Get("Content-Type"))
		}
		mimeType = strings.ToLower(strings.TrimSpace(mimeType))
		if mimeType == "" {
			mimeType = "text/plain"
		}
		if !strings.HasPrefix(mimeType, "text/plain") {
			p.logger.Debug("skipping non-text part", "content_type", mimeType)
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(part.Body, p.maxBodyBytes))
		if readErr != nil {
			return "", faults.Newf(faults.KindParse, "decode body part: %v", readErr)
		}
		return string(body), nil
	}
}

func (p *Parser) subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return strings.TrimSpace(subject)
	}
	return p.decodeHeader(header.Get("Subject"))
}

func (p *Parser) fromHeader(header *gomail.Header) (string, string) {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Name), strings.TrimSpace(list[0].Address)
	}
	raw := p.decodeHeader(header.Get("From"))
	if raw == "" {
		return "", ""
	}
	if addr, err := stdmail.ParseAddress(raw); err == nil {
		return strings.TrimSpace(addr.Name), strings.TrimSpace(addr.Address)
	}
	return "", strings.TrimSpace(raw)
}

func (p *Parser) firstAddress(header *gomail.Header, key string) string {
	if list, err := header.AddressList(key); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	raw := p.decodeHeader(header.Get(key))
	if raw == "" {
		return ""
	}
	if addrs, err := stdmail.ParseAddressList(raw); err == nil && len(addrs) > 0 {
		return strings.TrimSpace(addrs[0].Address)
	}
	return strings.TrimSpace(raw)
}

func (p *Parser) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" || p.decoder == nil {
		return value
	}
	decoded, err := p.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func parseContentType(value string) (string, string) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", ""
	}
	mediaType := raw
	charset := ""
	if parsed, params, err := mime.ParseMediaType(raw); err == nil {
		mediaType = parsed
		charset = params["charset"]
	}
	return strings.ToLower(mediaType), strings.ToLower(strings.TrimSpace(charset))
}

var messageIDPattern = regexp.MustCompile(`<([^<>]+)>`)

func uniqueMessageIDs(values ...string) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range values {
		for _, candidate := range parseMessageIDs(raw) {
			if _, ok := seen[candidate]; ok {
				continue
			}
			seen[candidate] = struct{}{}
			ids = append(ids, candidate)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func firstMessageID(raw string) string {
	ids := parseMessageIDs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func parseMessageIDs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	matches := messageIDPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		if id := normalizeMessageID(raw); id != "" {
			return []string{id}
		}
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		if id := normalizeMessageID(match[1]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}
