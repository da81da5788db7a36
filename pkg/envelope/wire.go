package envelope

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// wireMagic identifies the record format version. Bump it if the header set
// ever changes incompatibly.
const wireMagic = "A2A/1"

// The wire form is a text record: a magic line, "key: value" header lines
// (absent optional fields are omitted), a subject header, a blank separator
// line, then the raw payload block. Parse(Serialize(m)) reproduces every
// populated field; omitted optionals come back as zero values.

const wireTimeLayout = time.RFC3339Nano

// Serialize renders a message into its wire form.
func Serialize(m *Message) []byte {
	var b bytes.Buffer
	b.WriteString(wireMagic)
	b.WriteByte('\n')

	writeHeader(&b, "id", m.ID)
	writeTimeHeader(&b, "created_at", m.CreatedAt)
	writeTimeHeader(&b, "expires_at", m.ExpiresAt)
	writeHeader(&b, "priority", string(m.Priority))
	writeHeader(&b, "sender", m.Sender)
	writeHeader(&b, "recipient", m.Recipient)
	writeHeader(&b, "kind", string(m.Kind))
	writeHeader(&b, "correlation_id", m.CorrelationID)
	writeHeader(&b, "reply_to", m.ReplyTo)
	writeHeader(&b, "status", string(m.Status))
	writeHeader(&b, "retry_count", strconv.Itoa(m.RetryCount))
	writeHeader(&b, "max_retries", strconv.Itoa(m.MaxRetries))
	writeTimeHeader(&b, "delivered_at", m.DeliveredAt)
	writeTimeHeader(&b, "last_attempt_at", m.LastAttemptAt)
	writeHeader(&b, "signature", m.Signature)
	writeHeader(&b, "error", m.Error)
	writeHeader(&b, "subject", m.Subject)

	b.WriteByte('\n')
	b.Write(m.Payload)
	return b.Bytes()
}

// Parse reconstructs a message from its wire form.
func Parse(data []byte) (*Message, error) {
	head, payload, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("malformed record: missing header/payload separator")
	}

	lines := strings.Split(string(head), "\n")
	if len(lines) == 0 || lines[0] != wireMagic {
		return nil, fmt.Errorf("malformed record: expected %q magic line", wireMagic)
	}

	m := &Message{}
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		if err := setField(m, key, value); err != nil {
			return nil, err
		}
	}

	if m.ID == "" {
		return nil, fmt.Errorf("malformed record: missing id header")
	}
	if len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}
	return m, nil
}

func setField(m *Message, key, value string) error {
	var err error
	switch key {
	case "id":
		m.ID = value
	case "created_at":
		m.CreatedAt, err = parseWireTime(value)
	case "expires_at":
		m.ExpiresAt, err = parseWireTime(value)
	case "priority":
		m.Priority, err = ParsePriority(value)
	case "sender":
		m.Sender = value
	case "recipient":
		m.Recipient = value
	case "kind":
		m.Kind, err = ParseKind(value)
	case "correlation_id":
		m.CorrelationID = value
	case "reply_to":
		m.ReplyTo = value
	case "status":
		m.Status, err = ParseStatus(value)
	case "retry_count":
		m.RetryCount, err = strconv.Atoi(value)
	case "max_retries":
		m.MaxRetries, err = strconv.Atoi(value)
	case "delivered_at":
		m.DeliveredAt, err = parseWireTime(value)
	case "last_attempt_at":
		m.LastAttemptAt, err = parseWireTime(value)
	case "signature":
		m.Signature = value
	case "error":
		m.Error = value
	case "subject":
		m.Subject = value
	default:
		// Unknown headers are ignored so older brokers can read records
		// written by newer agents within the same magic version.
	}
	if err != nil {
		return fmt.Errorf("malformed header %q: %w", key, err)
	}
	return nil
}

func writeHeader(b *bytes.Buffer, key, value string) {
	if value == "" {
		return
	}
	// Header values are single-line by construction; fold any embedded
	// newlines (possible in operator-supplied error text) into spaces.
	value = strings.ReplaceAll(value, "\n", " ")
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}

func writeTimeHeader(b *bytes.Buffer, key string, t time.Time) {
	if t.IsZero() {
		return
	}
	writeHeader(b, key, t.UTC().Format(wireTimeLayout))
}

func parseWireTime(value string) (time.Time, error) {
	return time.Parse(wireTimeLayout, value)
}
