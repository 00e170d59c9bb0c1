// Package parser turns free-form code-generation output into an apply Plan.
//
// Recognized markup:
//
//	<explanation>text</explanation>
//	<structure>text</structure>
//	<file path="src/App.tsx">content</file>
//	<package>name</package>            one or more names
//	<packages>a, b\nc</packages>       comma, space or newline separated
//	<command>npm run build</command>
//	<commands>one command per line</commands>
//
// When a response contains no <file> tags, fenced markdown blocks whose info
// string names a path (```tsx path=src/App.tsx, ```src/App.tsx) are used
// instead. Malformed entries are reported in Plan.Errors and never abort
// parsing of the remaining entries.
package parser

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrEmptyInput is returned for blank responses.
	ErrEmptyInput = errors.New("response is empty")
	// ErrNotText is returned for payloads that are not UTF-8 text.
	ErrNotText = errors.New("response is not text")
	// ErrInvalidPath marks a file entry whose path was rejected.
	ErrInvalidPath = errors.New("invalid file path")
	// ErrUnterminated marks a file block without a closing tag.
	ErrUnterminated = errors.New("unterminated file block")
)

// File is one file to write, with a normalized project-relative path.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Plan is the structured result of parsing a response.
type Plan struct {
	Files       []File       `json:"files"`
	Packages    []string     `json:"packages"`
	Commands    []string     `json:"commands"`
	Explanation string       `json:"explanation"`
	Structure   string       `json:"structure,omitempty"`
	Errors      []ParseError `json:"errors,omitempty"`
}

// Empty reports whether the plan has nothing to apply.
func (p *Plan) Empty() bool {
	return len(p.Files) == 0 && len(p.Packages) == 0 && len(p.Commands) == 0
}

// ParseError describes a rejected entry or an unparseable response.
type ParseError struct {
	Item    string `json:"item"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *ParseError) Error() string {
	if e.Item == "" {
		return "parse: " + e.Message
	}
	return fmt.Sprintf("parse: %s: %s", e.Item, e.Message)
}

func (e *ParseError) Unwrap() error { return e.Err }

var (
	fileOpenRe    = regexp.MustCompile(`(?i)<file\s+path\s*=\s*(?:"([^"]*)"|'([^']*)'|([^\s>]+))\s*>`)
	fileCloseRe   = regexp.MustCompile(`(?i)</file\s*>`)
	explanationRe = regexp.MustCompile(`(?is)<explanation>(.*?)</explanation>`)
	structureRe   = regexp.MustCompile(`(?is)<structure>(.*?)</structure>`)
	packageRe     = regexp.MustCompile(`(?is)<package>(.*?)</package>|<packages>(.*?)</packages>`)
	commandRe     = regexp.MustCompile(`(?is)<command>(.*?)</command>|<commands>(.*?)</commands>`)
	fenceRe       = regexp.MustCompile("(?s)```([^\\n`]*)\\n(.*?)\\n?```")
	specSplitRe   = regexp.MustCompile(`[\s,]+`)
)

// Parse extracts a Plan from text. It fails only when text is blank or not
// text at all; every other problem is isolated into Plan.Errors.
func Parse(text string) (*Plan, error) {
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return nil, &ParseError{Message: ErrNotText.Error(), Err: ErrNotText}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Message: ErrEmptyInput.Error(), Err: ErrEmptyInput}
	}

	plan := &Plan{
		Files:    []File{},
		Packages: []string{},
		Commands: []string{},
	}

	files := orderedmap.New[string, string]()
	outside := parseFileTags(text, files, plan)
	if files.Len() == 0 && len(plan.Errors) == 0 {
		outside = parseFences(text, files, plan)
	}
	for pair := files.Oldest(); pair != nil; pair = pair.Next() {
		plan.Files = append(plan.Files, File{Path: pair.Key, Content: pair.Value})
	}

	if m := explanationRe.FindStringSubmatch(outside); m != nil {
		plan.Explanation = strings.TrimSpace(m[1])
	}
	if m := structureRe.FindStringSubmatch(outside); m != nil {
		plan.Structure = strings.TrimSpace(m[1])
	}
	plan.Packages = parsePackages(outside)
	plan.Commands = parseCommands(outside)

	return plan, nil
}

// parseFileTags collects <file> blocks into files and returns text with the
// blocks blanked out, so tags quoted inside file content are ignored.
func parseFileTags(text string, files *orderedmap.OrderedMap[string, string], plan *Plan) string {
	var outside strings.Builder
	cursor := 0

	for cursor < len(text) {
		loc := fileOpenRe.FindStringSubmatchIndex(text[cursor:])
		if loc == nil {
			break
		}
		openStart, openEnd := cursor+loc[0], cursor+loc[1]
		rawPath := firstGroup(text[cursor:], loc)
		outside.WriteString(text[cursor:openStart])

		rest := text[openEnd:]
		closeLoc := fileCloseRe.FindStringIndex(rest)
		nextOpen := fileOpenRe.FindStringIndex(rest)
		if closeLoc == nil || (nextOpen != nil && nextOpen[0] < closeLoc[0]) {
			plan.Errors = append(plan.Errors, ParseError{
				Item:    strings.TrimSpace(rawPath),
				Message: ErrUnterminated.Error(),
				Err:     ErrUnterminated,
			})
			// The body of an unterminated block runs to the next open tag.
			if nextOpen == nil {
				cursor = len(text)
			} else {
				cursor = openEnd + nextOpen[0]
			}
			continue
		}

		content := rest[:closeLoc[0]]
		cursor = openEnd + closeLoc[1]
		addFile(files, plan, rawPath, cleanContent(content))
	}
	outside.WriteString(text[cursor:])
	return outside.String()
}

// parseFences is the markdown fallback. Fenced blocks without a path are
// left in place and ignored.
func parseFences(text string, files *orderedmap.OrderedMap[string, string], plan *Plan) string {
	var outside strings.Builder
	last := 0
	for _, m := range fenceRe.FindAllStringSubmatchIndex(text, -1) {
		info := text[m[2]:m[3]]
		p, ok := fencePath(info)
		if !ok {
			continue
		}
		outside.WriteString(text[last:m[0]])
		last = m[1]

		content := text[m[4]:m[5]]
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		addFile(files, plan, p, content)
	}
	outside.WriteString(text[last:])
	return outside.String()
}

// fencePath extracts a file path from a fence info string such as
// "tsx path=src/App.tsx", `tsx file="src/App.tsx"`, "tsx:src/App.tsx" or
// "src/App.tsx".
func fencePath(info string) (string, bool) {
	fields := strings.Fields(info)
	for _, f := range fields {
		for _, key := range []string{"path=", "file=", "filename="} {
			if strings.HasPrefix(strings.ToLower(f), key) {
				return strings.Trim(f[len(key):], `"'`), true
			}
		}
	}
	if len(fields) == 0 {
		return "", false
	}
	first := fields[0]
	if i := strings.Index(first, ":"); i >= 0 {
		first = first[i+1:]
	}
	if strings.Contains(first, "/") || strings.Contains(first, ".") {
		return first, true
	}
	return "", false
}

func addFile(files *orderedmap.OrderedMap[string, string], plan *Plan, rawPath, content string) {
	p, err := NormalizePath(rawPath)
	if err != nil {
		plan.Errors = append(plan.Errors, ParseError{
			Item:    rawPath,
			Message: err.Error(),
			Err:     ErrInvalidPath,
		})
		return
	}
	// Duplicate paths keep their first position with the last content.
	files.Set(p, content)
}

// NormalizePath converts a model-supplied path into a clean path relative to
// the project root. Paths that are empty, contain NUL bytes, or use ".."
// segments are rejected.
func NormalizePath(raw string) (string, error) {
	p := strings.TrimSpace(raw)
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: escapes project root", ErrInvalidPath)
		}
	}
	for strings.HasPrefix(p, "./") || strings.HasPrefix(p, "/") {
		p = strings.TrimPrefix(strings.TrimPrefix(p, "./"), "/")
	}
	p = path.Clean(p)
	if p == "." || p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return p, nil
}

// cleanContent drops the newline that follows the opening tag and a single
// markdown fence wrapped around the whole body.
func cleanContent(content string) string {
	content = strings.TrimPrefix(content, "\r\n")
	content = strings.TrimPrefix(content, "\n")

	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```") && len(trimmed) >= 6 {
		body := strings.TrimSuffix(trimmed, "```")
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			body = body[nl+1:]
			if body != "" && !strings.HasSuffix(body, "\n") {
				body += "\n"
			}
			return body
		}
	}
	return content
}

func parsePackages(text string) []string {
	seen := orderedmap.New[string, struct{}]()
	for _, m := range packageRe.FindAllStringSubmatch(text, -1) {
		for _, spec := range specSplitRe.Split(m[1]+m[2], -1) {
			if spec = strings.TrimSpace(spec); spec != "" {
				seen.Set(spec, struct{}{})
			}
		}
	}
	out := make([]string, 0, seen.Len())
	for pair := seen.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

func parseCommands(text string) []string {
	out := []string{}
	for _, m := range commandRe.FindAllStringSubmatch(text, -1) {
		if m[1] != "" {
			if cmd := strings.TrimSpace(m[1]); cmd != "" {
				out = append(out, cmd)
			}
			continue
		}
		for _, line := range strings.Split(m[2], "\n") {
			if cmd := strings.TrimSpace(line); cmd != "" {
				out = append(out, cmd)
			}
		}
	}
	return out
}

// firstGroup returns the first non-empty capture among the path alternatives.
func firstGroup(s string, loc []int) string {
	for i := 2; i+1 < len(loc); i += 2 {
		if loc[i] >= 0 {
			return s[loc[i]:loc[i+1]]
		}
	}
	return ""
}
