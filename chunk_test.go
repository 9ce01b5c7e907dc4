package nmapai

import (
	"strings"
	"testing"
)

type chunkTester struct {
	corpus string
	size   int
	want   []int // chunk lengths in order
}

func (ct *chunkTester) runTest(test *testing.T, name string) {
	chunks := SplitCorpus(ct.corpus, ct.size)
	if len(chunks) != len(ct.want) {
		test.Errorf("[%s] expected %d chunks, got %d", name, len(ct.want), len(chunks))
		return
	}
	for i, chunk := range chunks {
		if chunk.Index != i+1 {
			test.Errorf("[%s] expected index %d, got %d", name, i+1, chunk.Index)
		}
		if len(chunk.Data) != ct.want[i] {
			test.Errorf("[%s] chunk %d: expected %d bytes, got %d", name, i+1, ct.want[i], len(chunk.Data))
		}
	}
}

var chunkTests = map[string]*chunkTester{
	"remainder": {
		corpus: strings.Repeat("x", 30000),
		size:   14000,
		want:   []int{14000, 14000, 2000},
	},
	"exact-fit": {
		corpus: strings.Repeat("x", 28000),
		size:   14000,
		want:   []int{14000, 14000},
	},
	"smaller-than-size": {
		corpus: "tiny",
		size:   14000,
		want:   []int{4},
	},
	"empty": {
		corpus: "",
		size:   14000,
		want:   nil,
	},
}

func TestSplitCorpus(t *testing.T) {
	for tname, cfg := range chunkTests {
		cfg.runTest(t, tname)
	}
}

func TestSplitCorpusRoundTrip(t *testing.T) {
	corpus := strings.Repeat("abc", 5000)
	chunks := SplitCorpus(corpus, 1234)

	var b strings.Builder
	for _, chunk := range chunks {
		if len(chunk.Data) == 0 {
			t.Fatalf("chunk %d is empty", chunk.Index)
		}
		b.WriteString(chunk.Data)
	}
	if b.String() != corpus {
		t.Error("expected concatenated chunks to reproduce the corpus")
	}
}
