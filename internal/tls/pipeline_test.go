package tls

import (
	"testing"

	"github.com/iamdavid-vaughan/deploysub/internal/model"
)

func TestClassifyWildcardForcesDNS(t *testing.T) {
	in := []model.DomainEntry{
		{Name: "*.example.com", Wildcard: true},
		{Name: "example.com"},
		{Name: "api.example.com", Challenge: "dns"},
	}
	out := Classify(in)

	if out[0].Challenge != "dns" {
		t.Fatalf("expected wildcard entry to be forced to dns, got %s", out[0].Challenge)
	}
	if out[1].Challenge != "http" {
		t.Fatalf("expected apex entry to default to http, got %s", out[1].Challenge)
	}
	if out[2].Challenge != "dns" {
		t.Fatalf("expected explicit dns entry to stay dns, got %s", out[2].Challenge)
	}
}

func TestClassifyAutoDefaultsToHTTP(t *testing.T) {
	out := Classify([]model.DomainEntry{{Name: "example.com", Challenge: "auto"}})
	if out[0].Challenge != "http" {
		t.Fatalf("expected auto to resolve to http, got %s", out[0].Challenge)
	}
}

func TestShQuoteEscapesEmbeddedSingleQuotes(t *testing.T) {
	got := shQuote(`it's a test`)
	want := `'it'"'"'s a test'`
	if got != want {
		t.Fatalf("shQuote(%q) = %q, want %q", `it's a test`, got, want)
	}
}

func TestSanitizeFilenameStripsDotsAndWildcards(t *testing.T) {
	got := sanitizeFilename("*.example.com")
	if got != "wild-example-com" {
		t.Fatalf("sanitizeFilename(*.example.com) = %q, want wild-example-com", got)
	}
}
