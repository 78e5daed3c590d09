package queue

import (
	"fmt"
	"strings"
)

// Format is one entry of the output-format list, grounded on
// original_source/src/formats.hh's OutputFormat.
type Format struct {
	Spec       string // e.g. "png", "jpg"
	Dimensions string // e.g. "120x120"
}

// Filename returns the "<format_spec>@<dimensions>" basename the Job writes
// its output to and the Cache Manager later parses back with
// cachepath.FormatTokenFromOutputBasename.
func (f Format) Filename() string {
	return f.Spec + "@" + f.Dimensions
}

// DefaultFormats returns the process-wide default output-format list,
// grounded on original_source/src/formats.cc's OutputFormatList
// constructor: {(png,120x120), (png,200x200), (jpg,400x400)}.
func DefaultFormats() []Format {
	return []Format{
		{Spec: "png", Dimensions: "120x120"},
		{Spec: "png", Dimensions: "200x200"},
		{Spec: "jpg", Dimensions: "400x400"},
	}
}

// buildRecipe composes the job's shell recipe, grounded on
// original_source/src/converterjob.cc's append_snippet overloads: a
// preamble, an optional download step (URI jobs only), and a conversion
// step that backgrounds one convert invocation per format and waits.
func buildRecipe(j *Job) string {
	var b strings.Builder

	fmt.Fprintf(&b, "#!/bin/sh\ncd '%s' || exit 1\n", j.workDir)

	if j.uri != "" {
		writeDownloadSnippet(&b, j.uri, j.downloadFilename())
	}

	writeConvertSnippet(&b, j.inputFilename(), j.formats, j.niceness)

	return b.String()
}

// writeDownloadSnippet fetches uri into dest. Exit 2 on transport failure,
// 1 if the file is missing afterwards, 3 if it is empty.
func writeDownloadSnippet(b *strings.Builder, uri, dest string) {
	fmt.Fprintf(b, "wget -q -O '%s' '%s' || exit 2\n", dest, uri)
	fmt.Fprintf(b, "test -f '%s' || exit 1\n", dest)
	fmt.Fprintf(b, "test -s '%s' || exit 3\n", dest)
}

// writeConvertSnippet backgrounds one rescale-and-encode invocation per
// format at niceness, waits for all of them, then checks every output is
// non-empty. Exit 4 if any output is empty, exit 0 otherwise.
func writeConvertSnippet(b *strings.Builder, input string, formats []Format, niceness int) {
	outputs := make([]string, 0, len(formats))
	for _, f := range formats {
		out := f.Filename()
		outputs = append(outputs, out)
		fmt.Fprintf(b, "nice -n %d convert '%s' -resize '%s' '%s:%s' &\n", niceness, input, f.Dimensions, f.Spec, out)
	}
	b.WriteString("wait\n")
	for _, out := range outputs {
		fmt.Fprintf(b, "test -s '%s' || exit 4\n", out)
	}
	b.WriteString("exit 0\n")
}
