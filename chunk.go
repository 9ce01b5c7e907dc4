package nmapai

// Chunk is one contiguous slice of the analysis corpus. Indexes start at 1;
// they name report sections.
type Chunk struct {
	Index int
	Data  string
}

// SplitCorpus partitions the corpus into fixed-size byte chunks in order.
// The final chunk carries the remainder; a non-empty corpus always yields at
// least one chunk, an empty one yields none.
func SplitCorpus(corpus string, size int) []Chunk {
	if corpus == "" || size < 1 {
		return nil
	}

	var chunks []Chunk
	for i := 0; i < len(corpus); i += size {
		end := i + size
		if end > len(corpus) {
			end = len(corpus)
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks) + 1,
			Data:  corpus[i:end],
		})
	}
	return chunks
}
