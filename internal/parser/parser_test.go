package parser

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse_FullResponse(t *testing.T) {
	text := `Here is your header.
<explanation>
Added a responsive header.
</explanation>
<structure>src/components/Header.tsx</structure>
<file path="src/components/Header.tsx">
import { FiMenu } from 'react-icons/fi'
export default function Header() { return <FiMenu /> }
</file>
<package>react-icons</package>
<command>npm run build</command>`

	plan, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if plan.Explanation != "Added a responsive header." {
		t.Errorf("Explanation = %q", plan.Explanation)
	}
	if plan.Structure != "src/components/Header.tsx" {
		t.Errorf("Structure = %q", plan.Structure)
	}
	wantFiles := []File{{
		Path:    "src/components/Header.tsx",
		Content: "import { FiMenu } from 'react-icons/fi'\nexport default function Header() { return <FiMenu /> }\n",
	}}
	if !reflect.DeepEqual(plan.Files, wantFiles) {
		t.Errorf("Files = %#v, want %#v", plan.Files, wantFiles)
	}
	if !reflect.DeepEqual(plan.Packages, []string{"react-icons"}) {
		t.Errorf("Packages = %v", plan.Packages)
	}
	if !reflect.DeepEqual(plan.Commands, []string{"npm run build"}) {
		t.Errorf("Commands = %v", plan.Commands)
	}
	if len(plan.Errors) != 0 {
		t.Errorf("Errors = %v, want none", plan.Errors)
	}
}

func TestParse_PackagesDeduplicatedInOrder(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"separate tags", "<package>lodash</package><package>axios</package><package>lodash</package>", []string{"lodash", "axios"}},
		{"list tag commas", "<packages>lodash, axios,lodash</packages>", []string{"lodash", "axios"}},
		{"list tag newlines", "<packages>\nlodash\naxios\n</packages>", []string{"lodash", "axios"}},
		{"mixed", "<package>lodash</package><packages>axios lodash</packages>", []string{"lodash", "axios"}},
		{"scoped and versioned", "<packages>@types/node react@18</packages>", []string{"@types/node", "react@18"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := Parse(tc.text)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(plan.Packages, tc.want) {
				t.Errorf("Packages = %v, want %v", plan.Packages, tc.want)
			}
		})
	}
}

func TestParse_TraversalIsolated(t *testing.T) {
	text := `<file path="../../etc/passwd">root::0:0</file>
<file path="src/ok.ts">export const ok = true</file>`

	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Files) != 1 || plan.Files[0].Path != "src/ok.ts" {
		t.Fatalf("Files = %v, want only src/ok.ts", plan.Files)
	}
	if len(plan.Errors) != 1 {
		t.Fatalf("Errors = %v, want one", plan.Errors)
	}
	if plan.Errors[0].Item != "../../etc/passwd" || !errors.Is(&plan.Errors[0], ErrInvalidPath) {
		t.Errorf("error = %+v, want invalid path for traversal entry", plan.Errors[0])
	}
}

func TestParse_UnterminatedBlock(t *testing.T) {
	text := `<file path="a.ts">const a = 1
<file path="b.ts">const b = 2</file>`

	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Files) != 1 || plan.Files[0].Path != "b.ts" || plan.Files[0].Content != "const b = 2" {
		t.Errorf("Files = %#v, want only b.ts", plan.Files)
	}
	if len(plan.Errors) != 1 || plan.Errors[0].Item != "a.ts" || !errors.Is(&plan.Errors[0], ErrUnterminated) {
		t.Errorf("Errors = %#v, want unterminated a.ts", plan.Errors)
	}
}

func TestParse_UnterminatedBlockHidesTags(t *testing.T) {
	text := `<explanation>Adds docs</explanation>
<file path="docs/usage.md">
To reset, run <command>rm -rf node_modules</command>.
Requires <package>left-pad</package>.
`

	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Errors) != 1 || plan.Errors[0].Item != "docs/usage.md" || !errors.Is(&plan.Errors[0], ErrUnterminated) {
		t.Errorf("Errors = %#v, want unterminated docs/usage.md", plan.Errors)
	}
	if len(plan.Files) != 0 {
		t.Errorf("Files = %#v, want none", plan.Files)
	}
	if len(plan.Packages) != 0 || len(plan.Commands) != 0 {
		t.Errorf("Packages = %v, Commands = %v, want none", plan.Packages, plan.Commands)
	}
	if plan.Explanation != "Adds docs" {
		t.Errorf("Explanation = %q, want %q", plan.Explanation, "Adds docs")
	}
}

func TestParse_DuplicatePathLastWins(t *testing.T) {
	text := `<file path="a.ts">one</file><file path="b.ts">b</file><file path="./a.ts">two</file>`

	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	want := []File{{Path: "a.ts", Content: "two"}, {Path: "b.ts", Content: "b"}}
	if !reflect.DeepEqual(plan.Files, want) {
		t.Errorf("Files = %#v, want %#v", plan.Files, want)
	}
}

func TestParse_TagsInsideFileContentIgnored(t *testing.T) {
	text := `<file path="README.md">
Use <command>npm test</command> to test.
</file>`

	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Commands) != 0 {
		t.Errorf("Commands = %v, want none from file content", plan.Commands)
	}
}

func TestParse_FencedContentInsideFileTag(t *testing.T) {
	text := "<file path=\"src/a.ts\">\n```ts\nconst a = 1\n```\n</file>"

	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Files) != 1 || plan.Files[0].Content != "const a = 1\n" {
		t.Errorf("Files = %#v, want fence stripped", plan.Files)
	}
}

func TestParse_MarkdownFallback(t *testing.T) {
	text := "Some intro\n```tsx path=src/App.tsx\nexport default function App() {}\n```\n" +
		"```json\n{\"not\": \"a file\"}\n```\n" +
		"```src/util.ts\nexport const x = 1\n```\n"

	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	want := []File{
		{Path: "src/App.tsx", Content: "export default function App() {}\n"},
		{Path: "src/util.ts", Content: "export const x = 1\n"},
	}
	if !reflect.DeepEqual(plan.Files, want) {
		t.Errorf("Files = %#v, want %#v", plan.Files, want)
	}
}

func TestParse_NoExplanationTag(t *testing.T) {
	plan, err := Parse("just some prose\n<package>zod</package>")
	if err != nil {
		t.Fatal(err)
	}
	if plan.Explanation != "" {
		t.Errorf("Explanation = %q, want empty", plan.Explanation)
	}
}

func TestParse_Commands(t *testing.T) {
	text := "<command>npm run lint</command><command>  </command><commands>\nnpm test\n\nnpm run build\n</commands><command>npm test</command>"
	plan, err := Parse(text)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"npm run lint", "npm test", "npm run build", "npm test"}
	if !reflect.DeepEqual(plan.Commands, want) {
		t.Errorf("Commands = %v, want %v", plan.Commands, want)
	}
}

func TestParse_InvalidInput(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"empty", "", ErrEmptyInput},
		{"whitespace", " \n\t ", ErrEmptyInput},
		{"binary", "\xff\xfe\x00\x01", ErrNotText},
		{"nul", "abc\x00def", ErrNotText},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.text)
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Errorf("err = %T, want *ParseError", err)
			}
		})
	}
}

func TestParse_NothingRecognized(t *testing.T) {
	plan, err := Parse("I could not help with that.")
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Empty() || len(plan.Errors) != 0 {
		t.Errorf("plan = %+v, want empty plan without errors", plan)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"src/App.tsx", "src/App.tsx", false},
		{"./src/App.tsx", "src/App.tsx", false},
		{"/src/App.tsx", "src/App.tsx", false},
		{"src//components/./Header.tsx", "src/components/Header.tsx", false},
		{`src\components\Header.tsx`, "src/components/Header.tsx", false},
		{"  package.json  ", "package.json", false},
		{"../secret", "", true},
		{"src/../../secret", "", true},
		{"", "", true},
		{"./", "", true},
		{"a\x00b", "", true},
	}
	for _, tc := range tests {
		got, err := NormalizePath(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("NormalizePath(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
