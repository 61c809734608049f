package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "python tagged fence",
			raw:  "Here's your app:\n```python\nimport streamlit as st\nst.title(\"Hi\")\n```\nEnjoy!",
			want: "import streamlit as st\nst.title(\"Hi\")",
		},
		{
			name: "generic fence",
			raw:  "```\nimport os\nprint(os.getcwd())\n```",
			want: "import os\nprint(os.getcwd())",
		},
		{
			name: "unfenced with prose preamble",
			raw:  "Here's the code you asked for.\nIt does things.\nimport streamlit as st\nst.write(1)",
			want: "import streamlit as st\nst.write(1)",
		},
		{
			name: "unfenced starting with comment",
			raw:  "# fraud detector page\nimport pandas as pd",
			want: "# fraud detector page\nimport pandas as pd",
		},
		{
			name: "docstring start",
			raw:  "Sure!\n\"\"\"Module docstring\"\"\"\nx = 1",
			want: "\"\"\"Module docstring\"\"\"\nx = 1",
		},
		{
			name: "assignment counts as code",
			raw:  "The snippet:\ntotal = 0\nprint(total)",
			want: "total = 0\nprint(total)",
		},
		{
			name: "unterminated fence falls back to raw scan",
			raw:  "```python\nimport sys\nprint(sys.argv)",
			want: "import sys\nprint(sys.argv)",
		},
		{
			name: "pure prose falls back to trimmed text",
			raw:  "  I could not produce anything useful.  ",
			want: "I could not produce anything useful.",
		},
		{
			name: "empty input",
			raw:  "",
			want: "",
		},
		{
			name: "whitespace only",
			raw:  "   \n\t\n",
			want: "",
		},
		{
			name: "fence with trailing explanation ignored",
			raw:  "```python\nx = 1\n```\nThis sets x to 1.",
			want: "x = 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.raw))
		})
	}
}

func TestExtractDeterministic(t *testing.T) {
	raw := "Some prose.\n```python\nimport streamlit as st\nst.title(\"page\")\n```"
	first := Extract(raw)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Extract(raw))
	}
}
