// Package topics reads benchmark inputs: topic sets, relevance judgments and
// valid document id lists.
package topics

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/ricesearch/rice-eval/internal/evaluation"
)

// Entity is a seed entity of an entity-retrieval topic.
type Entity struct {
	ID    string `xml:"id,attr"`
	Label string `xml:",chardata"`
}

// Category is a target category of an INEX topic.
type Category struct {
	ID   string `xml:"id,attr"`
	Name string `xml:",chardata"`
}

// Topic is one benchmark query.
type Topic struct {
	ID          string
	Title       string
	Description string
	Narrative   string
	Entities    []Entity
	Categories  []Category
}

// EntityQuery joins the seed entity labels with "|".
func (t Topic) EntityQuery() string {
	labels := make([]string, 0, len(t.Entities))
	for _, e := range t.Entities {
		if l := strings.TrimSpace(e.Label); l != "" {
			labels = append(labels, l)
		}
	}
	return strings.Join(labels, "|")
}

// CategoryNames returns the trimmed category names.
func (t Topic) CategoryNames() []string {
	names := make([]string, 0, len(t.Categories))
	for _, c := range t.Categories {
		if n := strings.TrimSpace(c.Name); n != "" {
			names = append(names, n)
		}
	}
	return names
}

type inexTopic struct {
	ID          string     `xml:"id,attr"`
	Number      string     `xml:"number,attr"`
	Title       string     `xml:"title"`
	Description string     `xml:"description"`
	Narrative   string     `xml:"narrative"`
	Entities    []Entity   `xml:"entities>entity"`
	Categories  []Category `xml:"categories>category"`
}

// ReadINEX parses an INEX XML topic file. Every <topic> element is read
// regardless of the root element name.
func ReadINEX(r io.Reader) ([]Topic, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false

	var topics []Topic
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing INEX topics: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "topic" {
			continue
		}

		var it inexTopic
		if err := dec.DecodeElement(&it, &start); err != nil {
			return nil, fmt.Errorf("parsing INEX topic: %w", err)
		}

		id := strings.TrimSpace(it.ID)
		if id == "" {
			id = strings.TrimSpace(it.Number)
		}
		if id == "" {
			return nil, fmt.Errorf("INEX topic %d has no id", len(topics)+1)
		}

		topics = append(topics, Topic{
			ID:          id,
			Title:       collapse(it.Title),
			Description: collapse(it.Description),
			Narrative:   collapse(it.Narrative),
			Entities:    it.Entities,
			Categories:  it.Categories,
		})
	}
	return topics, nil
}

var (
	trecTag    = regexp.MustCompile(`^<(/?)(\w+)>\s*(.*)$`)
	trecNumber = regexp.MustCompile(`(?i)^(number:\s*)?`)
	trecDesc   = regexp.MustCompile(`(?i)^(description|narrative):\s*`)
)

// ReadTREC parses a TREC SGML topic file:
//
//	<top>
//	<num> Number: 301
//	<title> International Organized Crime
//	<desc> Description:
//	...
//	</top>
//
// Tags are not necessarily closed; a field runs until the next tag.
func ReadTREC(r io.Reader) ([]Topic, error) {
	var (
		topics []Topic
		cur    *Topic
		field  string
		buf    []string
	)

	flush := func() {
		if cur == nil || field == "" {
			return
		}
		text := collapse(strings.Join(buf, " "))
		switch field {
		case "num":
			cur.ID = strings.TrimSpace(trecNumber.ReplaceAllString(text, ""))
		case "title":
			cur.Title = text
		case "desc":
			cur.Description = trecDesc.ReplaceAllString(text, "")
		case "narr":
			cur.Narrative = trecDesc.ReplaceAllString(text, "")
		}
		field, buf = "", nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		m := trecTag.FindStringSubmatch(line)
		if m == nil {
			if field != "" {
				buf = append(buf, line)
			}
			continue
		}

		closing, tag, rest := m[1] == "/", strings.ToLower(m[2]), m[3]
		flush()

		switch {
		case tag == "top" && !closing:
			cur = &Topic{}
		case tag == "top" && closing:
			if cur != nil {
				if cur.ID == "" {
					return nil, fmt.Errorf("TREC topic %d has no number", len(topics)+1)
				}
				topics = append(topics, *cur)
			}
			cur = nil
		case !closing:
			field = tag
			if rest != "" {
				buf = append(buf, rest)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading TREC topics: %w", err)
	}
	return topics, nil
}

// ReadQrels parses judgments, one per line: topic iteration doc grade.
// Columns after the fourth are ignored, which accepts INEX-style qrels with
// trailing passage offsets.
func ReadQrels(r io.Reader) (evaluation.Qrels, error) {
	qrels := make(evaluation.Qrels)
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("qrels line %d: expected at least 4 columns, got %d", lineNo, len(fields))
		}
		grade, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("qrels line %d: invalid grade %q", lineNo, fields[3])
		}

		topic, doc := fields[0], fields[2]
		if qrels[topic] == nil {
			qrels[topic] = make(evaluation.Judgments)
		}
		qrels[topic][doc] = grade
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading qrels: %w", err)
	}
	return qrels, nil
}

// ReadIDSet reads one id per line. Blank lines and # comments are skipped.
func ReadIDSet(r io.Reader) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading id list: %w", err)
	}
	return ids, nil
}

// ReadFile opens path and applies read.
func ReadFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	return read(f)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
