package comments

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	attrCommentID = "data-comment-id"
	attrAuthor    = "data-author"
	attrStatus    = "data-status"
)

var (
	// ErrInvalidAnchor indicates an empty or negative anchor range.
	ErrInvalidAnchor = errors.New("comments: invalid anchor range")
	// ErrAnchorOutOfRange indicates an anchor past the end of the document text.
	ErrAnchorOutOfRange = errors.New("comments: anchor out of range")
)

// Mark is the inline annotation carried by commented text.
type Mark struct {
	CommentID string
	Author    string
	Status    Status
}

func (m Mark) openTag() string {
	return fmt.Sprintf(`<span %s="%s" %s="%s" %s="%s">`,
		attrCommentID, html.EscapeString(m.CommentID),
		attrAuthor, html.EscapeString(m.Author),
		attrStatus, html.EscapeString(string(m.Status)))
}

// ApplyMark wraps the text between code point offsets [from, to) of content in
// comment marks, one per text run, leaving markup untouched.
func ApplyMark(content string, from, to int, mark Mark) (string, error) {
	if from < 0 || to <= from {
		return "", fmt.Errorf("%w: [%d, %d)", ErrInvalidAnchor, from, to)
	}
	openTag := mark.openTag()

	var out strings.Builder
	out.Grow(len(content) + 64)
	tokenizer := html.NewTokenizer(strings.NewReader(content))
	position := 0
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			if err := tokenizer.Err(); !errors.Is(err, io.EOF) {
				return "", err
			}
			break
		}
		raw := string(tokenizer.Raw())
		if tokenType != html.TextToken {
			out.WriteString(raw)
			continue
		}

		text := string(tokenizer.Text())
		length := utf8.RuneCountInString(text)
		start, end := position, position+length
		position = end
		if end <= from || start >= to {
			out.WriteString(raw)
			continue
		}

		units := textUnits(raw)
		if unitRunes(units) != length {
			runes := []rune(text)
			cutStart := max(from-start, 0)
			cutEnd := min(to-start, length)
			out.WriteString(html.EscapeString(string(runes[:cutStart])))
			out.WriteString(openTag)
			out.WriteString(html.EscapeString(string(runes[cutStart:cutEnd])))
			out.WriteString("</span>")
			out.WriteString(html.EscapeString(string(runes[cutEnd:])))
			continue
		}
		writeMarkedUnits(&out, units, start, from, to, openTag)
	}

	if to > position {
		return "", fmt.Errorf("%w: [%d, %d) exceeds %d", ErrAnchorOutOfRange, from, to, position)
	}
	return out.String(), nil
}

// textUnit is a run of raw text bytes that decodes as a whole: a character, an
// entity reference, or a CRLF pair.
type textUnit struct {
	raw   string
	runes int
}

func textUnits(raw string) []textUnit {
	units := make([]textUnit, 0, len(raw))
	for i := 0; i < len(raw); {
		j := i + 1
		switch raw[i] {
		case '&':
			for j < len(raw) && isEntityByte(raw[j]) {
				j++
			}
			if j < len(raw) && raw[j] == ';' {
				j++
			}
			units = append(units, textUnit{raw: raw[i:j], runes: utf8.RuneCountInString(html.UnescapeString(raw[i:j]))})
		case '\r':
			if j < len(raw) && raw[j] == '\n' {
				j++
			}
			units = append(units, textUnit{raw: raw[i:j], runes: 1})
		default:
			_, size := utf8.DecodeRuneInString(raw[i:])
			j = i + size
			units = append(units, textUnit{raw: raw[i:j], runes: 1})
		}
		i = j
	}
	return units
}

func isEntityByte(b byte) bool {
	return b == '#' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

func unitRunes(units []textUnit) int {
	total := 0
	for _, unit := range units {
		total += unit.runes
	}
	return total
}

// writeMarkedUnits copies units verbatim, wrapping those inside [from, to) in a
// mark. Only an entity that decodes to several code points and straddles a bound
// is re-encoded.
func writeMarkedUnits(out *strings.Builder, units []textUnit, position, from, to int, openTag string) {
	open := false
	setOpen := func(inside bool) {
		if inside && !open {
			out.WriteString(openTag)
		} else if !inside && open {
			out.WriteString("</span>")
		}
		open = inside
	}
	for _, unit := range units {
		start, end := position, position+unit.runes
		position = end
		switch {
		case end <= from || start >= to:
			setOpen(false)
			out.WriteString(unit.raw)
		case start >= from && end <= to:
			setOpen(true)
			out.WriteString(unit.raw)
		default:
			for offset, r := range []rune(html.UnescapeString(unit.raw)) {
				at := start + offset
				setOpen(at >= from && at < to)
				out.WriteString(html.EscapeString(string(r)))
			}
		}
	}
	setOpen(false)
}

// StripMark unwraps every comment mark of commentID, keeping the marked text,
// and reports how many marks were removed.
func StripMark(content, commentID string) (string, int, error) {
	var out strings.Builder
	out.Grow(len(content))
	tokenizer := html.NewTokenizer(strings.NewReader(content))
	var open []bool
	removed := 0
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			if err := tokenizer.Err(); !errors.Is(err, io.EOF) {
				return "", 0, err
			}
			break
		}
		raw := string(tokenizer.Raw())
		switch tokenType {
		case html.StartTagToken:
			token := tokenizer.Token()
			if token.Data != "span" {
				out.WriteString(raw)
				continue
			}
			matches := carriesComment(token, commentID)
			open = append(open, matches)
			if matches {
				removed++
				continue
			}
		case html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data == "span" && carriesComment(token, commentID) {
				removed++
				continue
			}
		case html.EndTagToken:
			token := tokenizer.Token()
			if token.Data == "span" && len(open) > 0 {
				matched := open[len(open)-1]
				open = open[:len(open)-1]
				if matched {
					continue
				}
			}
		}
		out.WriteString(raw)
	}
	return out.String(), removed, nil
}

// CountMarks reports how many marks of commentID content carries.
func CountMarks(content, commentID string) int {
	tokenizer := html.NewTokenizer(strings.NewReader(content))
	count := 0
	for {
		tokenType := tokenizer.Next()
		switch tokenType {
		case html.ErrorToken:
			return count
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			if token.Data == "span" && carriesComment(token, commentID) {
				count++
			}
		}
	}
}

// TextLength counts the code points of the decoded text of content.
func TextLength(content string) int {
	tokenizer := html.NewTokenizer(strings.NewReader(content))
	length := 0
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			return length
		case html.TextToken:
			length += utf8.RuneCount(tokenizer.Text())
		}
	}
}

func carriesComment(token html.Token, commentID string) bool {
	for _, attr := range token.Attr {
		if attr.Key == attrCommentID && attr.Val == commentID {
			return true
		}
	}
	return false
}
