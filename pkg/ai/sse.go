package ai

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const maxStreamLine = 1 << 20

// readDataLines calls fn with the payload of every "data:" line until the
// body ends, fn reports done, or fn fails.
func readDataLines(body io.Reader, fn func(data string) (done bool, err error)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		done, err := fn(strings.TrimPrefix(data, " "))
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return nil
}
