package sql

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokComment
	tokSemicolon
	tokPunct
)

// token is a lexical unit of a SQL statement. pos is the byte offset of the
// token in the source text.
type token struct {
	kind tokenKind
	text string
	pos  int
}

// upper returns the keyword form of a word token.
func (t token) upper() string {
	if t.kind != tokWord {
		return ""
	}
	return strings.ToUpper(t.text)
}

// isIdent reports whether the token can name a table or column.
func (t token) isIdent() bool {
	return t.kind == tokWord || t.kind == tokQuotedIdent
}

var (
	errUnterminatedString  = errors.New("unterminated string literal")
	errUnterminatedIdent   = errors.New("unterminated quoted identifier")
	errUnterminatedComment = errors.New("unterminated block comment")
)

// tokenize splits SQL text into tokens. It understands single-quoted strings
// ('' escape), double-quoted, bracketed and backtick identifiers, line and
// block comments. Backslashes never escape quotes: when dialects disagree
// the lexer sees more tokens, not fewer, so a hidden terminator is exposed
// rather than swallowed.
func tokenize(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i++

		case c == '-' && i+1 < len(src) && src[i+1] == '-':
			end := strings.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			tokens = append(tokens, token{kind: tokComment, text: src[i : i+end], pos: i})
			i += end

		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return tokens, errUnterminatedComment
			}
			stop := i + 2 + end + 2
			tokens = append(tokens, token{kind: tokComment, text: src[i:stop], pos: i})
			i = stop

		case c == '\'':
			text, next, ok := scanQuoted(src, i, '\'')
			if !ok {
				return tokens, errUnterminatedString
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: i})
			i = next

		case c == '"':
			text, next, ok := scanQuoted(src, i, '"')
			if !ok {
				return tokens, errUnterminatedIdent
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: text, pos: i})
			i = next

		case c == '`':
			text, next, ok := scanQuoted(src, i, '`')
			if !ok {
				return tokens, errUnterminatedIdent
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: text, pos: i})
			i = next

		case c == '[':
			text, next, ok := scanQuoted(src, i, ']')
			if !ok {
				return tokens, errUnterminatedIdent
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: text, pos: i})
			i = next

		case c == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", pos: i})
			i++

		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[start:i], pos: start})

		case isWordStart(src, i):
			start := i
			for i < len(src) {
				r, size := decodeRune(src, i)
				if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$') {
					break
				}
				i += size
			}
			tokens = append(tokens, token{kind: tokWord, text: src[start:i], pos: start})

		default:
			_, size := decodeRune(src, i)
			tokens = append(tokens, token{kind: tokPunct, text: src[i : i+size], pos: i})
			i += size
		}
	}
	return tokens, nil
}

// scanQuoted reads a quoted run whose opening character is src[start]. A doubled
// closing character is an escaped literal. It returns the unescaped body.
func scanQuoted(src string, start int, closer byte) (string, int, bool) {
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		if src[i] == closer {
			if i+1 < len(src) && src[i+1] == closer {
				b.WriteByte(closer)
				i += 2
				continue
			}
			return b.String(), i + 1, true
		}
		b.WriteByte(src[i])
		i++
	}
	return "", len(src), false
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isWordStart(src string, i int) bool {
	r, _ := decodeRune(src, i)
	return unicode.IsLetter(r) || r == '_'
}

func decodeRune(src string, i int) (rune, int) {
	return utf8.DecodeRuneInString(src[i:])
}
