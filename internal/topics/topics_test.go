package topics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const inexTopics = `<?xml version="1.0" encoding="UTF-8"?>
<inex-topic-file>
  <topic id="2010001" ct_no="3">
    <title>Olympian god
      Zeus</title>
    <description>Find articles about Zeus.</description>
    <entities>
      <entity id="1234">Zeus</entity>
      <entity id="5678">Mount Olympus</entity>
    </entities>
    <categories>
      <category id="10">greek gods</category>
      <category id="11">mythology</category>
    </categories>
  </topic>
  <topic number="2010002">
    <title>vintage cars</title>
  </topic>
</inex-topic-file>`

func TestReadINEX(t *testing.T) {
	topics, err := ReadINEX(strings.NewReader(inexTopics))
	if err != nil {
		t.Fatalf("ReadINEX() error: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("got %d topics, want 2", len(topics))
	}

	first := topics[0]
	if first.ID != "2010001" || first.Title != "Olympian god Zeus" {
		t.Errorf("first = %+v", first)
	}
	if first.EntityQuery() != "Zeus|Mount Olympus" {
		t.Errorf("EntityQuery() = %q", first.EntityQuery())
	}
	if names := first.CategoryNames(); len(names) != 2 || names[0] != "greek gods" {
		t.Errorf("CategoryNames() = %v", names)
	}

	if topics[1].ID != "2010002" || topics[1].Title != "vintage cars" {
		t.Errorf("second = %+v", topics[1])
	}
}

func TestReadINEXMissingID(t *testing.T) {
	_, err := ReadINEX(strings.NewReader(`<topics><topic><title>x</title></topic></topics>`))
	if err == nil {
		t.Fatal("expected error for topic without id")
	}
}

const trecTopics = `
<top>
<num> Number: 301
<title> International Organized Crime

<desc> Description:
Identify organizations that participate in
international criminal activity.

<narr> Narrative:
A relevant document must name the organization.
</top>

<top>
<num> Number: 302
<title> Poliomyelitis and Post-Polio
</top>
`

func TestReadTREC(t *testing.T) {
	topics, err := ReadTREC(strings.NewReader(trecTopics))
	if err != nil {
		t.Fatalf("ReadTREC() error: %v", err)
	}
	if len(topics) != 2 {
		t.Fatalf("got %d topics, want 2", len(topics))
	}

	first := topics[0]
	if first.ID != "301" {
		t.Errorf("ID = %q", first.ID)
	}
	if first.Title != "International Organized Crime" {
		t.Errorf("Title = %q", first.Title)
	}
	if first.Description != "Identify organizations that participate in international criminal activity." {
		t.Errorf("Description = %q", first.Description)
	}
	if first.Narrative != "A relevant document must name the organization." {
		t.Errorf("Narrative = %q", first.Narrative)
	}
	if topics[1].ID != "302" || topics[1].Title != "Poliomyelitis and Post-Polio" {
		t.Errorf("second = %+v", topics[1])
	}
}

func TestReadQrels(t *testing.T) {
	input := `# comment
301 0 FBIS3-10082 1
301 0 FBIS3-10169 0
302 Q0 doc9 2 120 4500

`
	qrels, err := ReadQrels(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadQrels() error: %v", err)
	}

	if len(qrels) != 2 {
		t.Fatalf("got %d topics", len(qrels))
	}
	if qrels["301"]["FBIS3-10082"] != 1 || qrels["301"]["FBIS3-10169"] != 0 {
		t.Errorf("301 = %v", qrels["301"])
	}
	if qrels["302"]["doc9"] != 2 {
		t.Errorf("302 = %v", qrels["302"])
	}
	if qrels["301"].NumRelevant() != 1 {
		t.Errorf("NumRelevant() = %d", qrels["301"].NumRelevant())
	}
}

func TestReadQrelsErrors(t *testing.T) {
	tests := []string{
		"301 0 doc",
		"301 0 doc high",
	}
	for _, input := range tests {
		if _, err := ReadQrels(strings.NewReader(input)); err == nil {
			t.Errorf("ReadQrels(%q) expected error", input)
		}
	}
}

func TestReadIDSetFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "valid_ids")
	if err := os.WriteFile(path, []byte("d1\n\n# skip\nd2\n d3 \n"), 0644); err != nil {
		t.Fatal(err)
	}

	ids, err := ReadFile(path, ReadIDSet)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(ids) != 3 {
		t.Errorf("got %d ids, want 3", len(ids))
	}
	if _, ok := ids["d3"]; !ok {
		t.Error("d3 should be trimmed and present")
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "nope"), ReadIDSet); !os.IsNotExist(err) {
		t.Errorf("missing file error = %v", err)
	}
}
