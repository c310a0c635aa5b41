package imaputil

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// ParseSearchQuery turns an IMAP SEARCH key string such as
// `UNSEEN SINCE 01-Jan-2024 FROM "alice"` into search criteria. An empty
// query matches every message.
func ParseSearchQuery(query string) (*imap.SearchCriteria, error) {
	criteria := imap.NewSearchCriteria()
	tokens, err := tokenize(query)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return criteria, nil
	}
	fields, rest, err := group(tokens)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("search query %q: unbalanced ')'", query)
	}
	if err := criteria.ParseWithCharset(fields, nil); err != nil {
		return nil, fmt.Errorf("search query %q: %w", query, err)
	}
	return criteria, nil
}

// SearchUIDs runs a UID SEARCH for query in the selected mailbox.
func SearchUIDs(c *client.Client, query string) ([]uint32, error) {
	criteria, err := ParseSearchQuery(query)
	if err != nil {
		return nil, err
	}
	return c.UidSearch(criteria)
}

type token struct {
	text   string
	quoted bool
}

func tokenize(s string) ([]token, error) {
	var out []token
	var cur strings.Builder
	inQuote := false
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, token{text: cur.String()})
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case inQuote && escaped:
			cur.WriteRune(r)
			escaped = false
		case inQuote && r == '\\':
			escaped = true
		case inQuote && r == '"':
			out = append(out, token{text: cur.String(), quoted: true})
			cur.Reset()
			inQuote = false
		case inQuote:
			cur.WriteRune(r)
		case r == '"':
			flush()
			inQuote = true
		case r == '(' || r == ')':
			flush()
			out = append(out, token{text: string(r)})
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("search query %q: unterminated quote", s)
	}
	flush()
	return out, nil
}

// group nests parenthesized lists the way the IMAP parser expects them.
func group(tokens []token) ([]interface{}, []token, error) {
	var fields []interface{}
	for len(tokens) > 0 {
		t := tokens[0]
		tokens = tokens[1:]
		if !t.quoted && t.text == "(" {
			sub, rest, err := group(tokens)
			if err != nil {
				return nil, nil, err
			}
			if len(rest) == 0 {
				return nil, nil, fmt.Errorf("unbalanced '('")
			}
			fields = append(fields, sub)
			tokens = rest[1:]
			continue
		}
		if !t.quoted && t.text == ")" {
			return fields, append([]token{t}, tokens...), nil
		}
		fields = append(fields, t.text)
	}
	return fields, nil, nil
}
