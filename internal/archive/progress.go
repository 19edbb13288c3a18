package archive

import "io"

// ProgressFunc receives the bytes handled so far and the expected total
// (0 when unknown).
type ProgressFunc func(current, total int64)

type ProgressReader struct {
	Reader   io.Reader
	Total    int64
	Current  int64
	Progress ProgressFunc
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	pr.Current += int64(n)

	if pr.Progress != nil && n > 0 {
		pr.Progress(pr.Current, pr.Total)
	}

	return n, err
}
