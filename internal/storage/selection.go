package storage

import (
	"errors"
	"fmt"
)

// ErrInvalidSelection wraps every selection-validation failure so callers
// can reject the filter without inspecting the message.
var ErrInvalidSelection = errors.New("storage: invalid selection")

// ValidateSelection checks that a caller-supplied filter expression stays
// inside the restricted WHERE-clause subset: parenthesized combinations
// of `column OP value` and `column IS NULL` statements joined by AND/OR,
// with values limited to placeholders and quoted strings. Column names
// must be in allowedColumns. The store is never handed raw query text
// that has not passed this check.
func ValidateSelection(selection string, allowedColumns map[string]bool) error {
	if selection == "" {
		return nil
	}

	lex := newSelectionLexer(selection, allowedColumns)
	if err := lex.advance(); err != nil {
		return err
	}

	if err := parseExpression(lex); err != nil {
		return err
	}

	if lex.token != tokenEnd {
		return fmt.Errorf("%w: unexpected trailing input", ErrInvalidSelection)
	}

	return nil
}

// expression <- ( expression ) | statement [AND_OR expression]*
func parseExpression(lex *selectionLexer) error {
	for {
		if lex.token == tokenOpenParen {
			if err := lex.advance(); err != nil {
				return err
			}

			if err := parseExpression(lex); err != nil {
				return err
			}

			if lex.token != tokenCloseParen {
				return fmt.Errorf("%w: unmatched parenthesis", ErrInvalidSelection)
			}

			if err := lex.advance(); err != nil {
				return err
			}
		} else if err := parseStatement(lex); err != nil {
			return err
		}

		if lex.token != tokenAndOr {
			return nil
		}

		if err := lex.advance(); err != nil {
			return err
		}
	}
}

// statement <- COLUMN COMPARE VALUE | COLUMN IS NULL
func parseStatement(lex *selectionLexer) error {
	if lex.token != tokenColumn {
		return fmt.Errorf("%w: expected column name", ErrInvalidSelection)
	}

	if err := lex.advance(); err != nil {
		return err
	}

	switch lex.token {
	case tokenCompare:
		if err := lex.advance(); err != nil {
			return err
		}

		if lex.token != tokenValue {
			return fmt.Errorf("%w: expected quoted string or placeholder", ErrInvalidSelection)
		}

		return lex.advance()

	case tokenIs:
		if err := lex.advance(); err != nil {
			return err
		}

		if lex.token != tokenNull {
			return fmt.Errorf("%w: expected NULL", ErrInvalidSelection)
		}

		return lex.advance()
	}

	return fmt.Errorf("%w: expected comparison after column name", ErrInvalidSelection)
}

type selectionToken int

const (
	tokenStart selectionToken = iota
	tokenOpenParen
	tokenCloseParen
	tokenAndOr
	tokenColumn
	tokenCompare
	tokenValue
	tokenIs
	tokenNull
	tokenEnd
)

type selectionLexer struct {
	input   string
	allowed map[string]bool
	offset  int
	token   selectionToken
}

func newSelectionLexer(input string, allowed map[string]bool) *selectionLexer {
	return &selectionLexer{input: input, allowed: allowed, token: tokenStart}
}

func (l *selectionLexer) advance() error {
	for l.offset < len(l.input) && l.input[l.offset] == ' ' {
		l.offset++
	}

	if l.offset == len(l.input) {
		l.token = tokenEnd

		return nil
	}

	switch c := l.input[l.offset]; {
	case c == '(':
		l.offset++
		l.token = tokenOpenParen

	case c == ')':
		l.offset++
		l.token = tokenCloseParen

	case c == '?':
		l.offset++
		l.token = tokenValue

	case c == '=':
		l.offset++
		l.token = tokenCompare

		if l.offset < len(l.input) && l.input[l.offset] == '=' {
			l.offset++
		}

	case c == '>':
		l.offset++
		l.token = tokenCompare

		if l.offset < len(l.input) && l.input[l.offset] == '=' {
			l.offset++
		}

	case c == '<':
		l.offset++
		l.token = tokenCompare

		if l.offset < len(l.input) && (l.input[l.offset] == '=' || l.input[l.offset] == '>') {
			l.offset++
		}

	case c == '!':
		l.offset++

		if l.offset < len(l.input) && l.input[l.offset] == '=' {
			l.offset++
			l.token = tokenCompare

			return nil
		}

		return fmt.Errorf("%w: unexpected character after !", ErrInvalidSelection)

	case isIdentifierStart(c):
		return l.lexWord()

	case c == '\'':
		return l.lexQuotedString()

	default:
		return fmt.Errorf("%w: illegal character %q", ErrInvalidSelection, c)
	}

	return nil
}

func (l *selectionLexer) lexWord() error {
	start := l.offset
	l.offset++

	for l.offset < len(l.input) && isIdentifierChar(l.input[l.offset]) {
		l.offset++
	}

	word := l.input[start:l.offset]

	switch word {
	case "IS":
		l.token = tokenIs

		return nil
	case "AND", "OR":
		l.token = tokenAndOr

		return nil
	case "NULL":
		l.token = tokenNull

		return nil
	}

	if l.allowed[word] {
		l.token = tokenColumn

		return nil
	}

	return fmt.Errorf("%w: unrecognized column or keyword %q", ErrInvalidSelection, word)
}

func (l *selectionLexer) lexQuotedString() error {
	l.offset++ // opening quote

	for l.offset < len(l.input) {
		if l.input[l.offset] == '\'' {
			// '' is an escaped quote inside the string
			if l.offset+1 < len(l.input) && l.input[l.offset+1] == '\'' {
				l.offset++
			} else {
				break
			}
		}

		l.offset++
	}

	if l.offset == len(l.input) {
		return fmt.Errorf("%w: unterminated string", ErrInvalidSelection)
	}

	l.offset++ // closing quote
	l.token = tokenValue

	return nil
}

func isIdentifierStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isIdentifierChar(c byte) bool {
	return isIdentifierStart(c) || (c >= '0' && c <= '9')
}
