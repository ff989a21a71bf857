/*
Package webtoon renders vertically scrolling comic pages ("webtoons") from a single
html/template document and a set of panel partials.

The document exposes three placeholders: {{ title }}, {{ panel_content }} and
{{ timestamp }}. Template files may use that vocabulary directly; it is rewritten to the
fields of Page when the templates are loaded. The panel content is either built from
structured Panel values with BuildFragment, or supplied as a pre-built fragment that must
follow the CSS class vocabulary (panel-full, panel-half, panel-third, speech-bubble
variants and tails, caption, sound-effect, character-name). LintFragment reports markup
that strays from that vocabulary, and CheckDocument verifies a rendered page.

Templates are embedded in the binary and may be overridden from a directory on disk,
which a Watcher can hot-reload.
*/
package webtoon
