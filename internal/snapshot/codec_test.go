package snapshot

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	binary := []byte{0xFF, 0xD8, 0xFF}
	files := map[string][]byte{
		"app.js":                 []byte("console.log(1)"),
		"assets/logo.png":        binary,
		"node_modules/x/pkg.js":  []byte("ignored"),
		".env":                   []byte("SECRET=1"),
		"dist/bundle.js":         []byte("ignored"),
		".git/HEAD":              []byte("ref: refs/heads/main"),
		"docs/.env.local":        []byte("SECRET=2"),
		"src/components/view.ts": []byte("export const x = 1\n"),
	}

	state := Encode(files)
	if len(state) != 3 {
		t.Fatalf("encoded entries=%d, want 3 (got %v)", len(state), state)
	}
	if _, ok := state["node_modules/x/pkg.js"]; ok {
		t.Fatal("excluded dependency path must not be encoded")
	}
	if f := state["app.js"]; f.Encoding != EncodingPlain || f.IsBinary {
		t.Fatalf("app.js entry unexpected: %+v", f)
	}
	if f := state["assets/logo.png"]; f.Encoding != EncodingBase64 || !f.IsBinary {
		t.Fatalf("logo.png entry unexpected: %+v", f)
	}

	decoded := Decode(state)
	if got := decoded["app.js"]; string(got) != "console.log(1)" {
		t.Fatalf("app.js content=%q, want %q", got, "console.log(1)")
	}
	if got := decoded["assets/logo.png"]; !bytes.Equal(got, binary) {
		t.Fatalf("logo.png bytes=%v, want %v", got, binary)
	}
	if got := decoded["src/components/view.ts"]; string(got) != "export const x = 1\n" {
		t.Fatalf("view.ts content=%q", got)
	}
}

func TestDecodeSkipsMalformedEntries(t *testing.T) {
	state := FileState{
		"good.txt":  {Content: "ok", Encoding: EncodingPlain},
		"bad.bin":   {Content: "%%% not base64 %%%", IsBinary: true, Encoding: EncodingBase64},
		"weird.raw": {Content: "x", Encoding: "gzip"},
		"":          {Content: "no path", Encoding: EncodingPlain},
	}
	decoded := Decode(state)
	if len(decoded) != 1 {
		t.Fatalf("decoded entries=%d, want 1: %v", len(decoded), decoded)
	}
	if string(decoded["good.txt"]) != "ok" {
		t.Fatalf("good.txt content=%q", decoded["good.txt"])
	}
}

func TestDecodeLegacyEntriesWithoutEncoding(t *testing.T) {
	state := FileState{
		"legacy.txt": {Content: "old text"},
		"legacy.bin": {Content: "binary but unencoded", IsBinary: true},
	}
	decoded := Decode(state)
	if string(decoded["legacy.txt"]) != "old text" {
		t.Fatalf("legacy.txt content=%q", decoded["legacy.txt"])
	}
	if _, ok := decoded["legacy.bin"]; ok {
		t.Fatal("binary entry without base64 encoding must be skipped")
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"./src/app.js":      "src/app.js",
		"/src/app.js":       "src/app.js",
		"src\\win\\file.ts": "src/win/file.ts",
		"a/../b.txt":        "b.txt",
		"  spaced.txt ":     "spaced.txt",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Fatalf("NormalizePath(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestExcluded(t *testing.T) {
	for _, p := range []string{
		"node_modules/react/index.js",
		"packages/app/node_modules/x.js",
		".git/config",
		".env",
		".env.production",
		"dist/main.js",
		".DS_Store",
	} {
		if !Excluded(p) {
			t.Fatalf("Excluded(%q)=false, want true", p)
		}
	}
	for _, p := range []string{"src/env.ts", "environment.md", "builder/x.go"} {
		if Excluded(p) {
			t.Fatalf("Excluded(%q)=true, want false", p)
		}
	}
}

func TestIsBinary(t *testing.T) {
	if isBinary([]byte("plain text with unicode: 世界")) {
		t.Fatal("utf-8 text misdetected as binary")
	}
	if !isBinary([]byte{0x00, 0x01, 0x02}) {
		t.Fatal("NUL bytes must be detected as binary")
	}
	if !isBinary([]byte{0xFF, 0xD8, 0xFF}) {
		t.Fatal("invalid utf-8 must be detected as binary")
	}
}
