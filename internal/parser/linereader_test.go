package parser

import (
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"testing/iotest"
)

func drainLines(lr *lineReader) ([]string, []int) {
	var (
		lines []string
		nums  []int
	)
	for {
		line, n, ok := lr.next()
		if !ok {
			return lines, nums
		}
		lines = append(lines, line)
		nums = append(nums, n)
	}
}

func TestLineReader(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		maxLen    int
		want      []string
		wantNums  []int
		oversized []int
	}{
		{
			"normal lines",
			"aaa\nbbb\nccc\n",
			100,
			[]string{"aaa", "bbb", "ccc"},
			[]int{1, 2, 3},
			nil,
		},
		{
			"skips oversized line",
			"short\n" + strings.Repeat("x", 50) + "\nafter\n",
			30,
			[]string{"short", "after"},
			[]int{1, 3},
			[]int{2},
		},
		{
			"all lines oversized",
			strings.Repeat("a", 50) + "\n" +
				strings.Repeat("b", 50) + "\n",
			30,
			nil,
			nil,
			[]int{1, 2},
		},
		{
			"empty input",
			"",
			100,
			nil,
			nil,
			nil,
		},
		{
			"blank lines skipped but counted",
			"aaa\n\n\nbbb\n",
			100,
			[]string{"aaa", "bbb"},
			[]int{1, 4},
			nil,
		},
		{
			"line without trailing newline",
			"aaa\nbbb",
			100,
			[]string{"aaa", "bbb"},
			[]int{1, 2},
			nil,
		},
		{
			"crlf stripped",
			"aaa\r\nbbb\r\n",
			100,
			[]string{"aaa", "bbb"},
			[]int{1, 2},
			nil,
		},
		{
			"exact limit kept",
			strings.Repeat("x", 30) + "\n",
			30,
			[]string{strings.Repeat("x", 30)},
			[]int{1},
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := newLineReader(
				strings.NewReader(tt.input), tt.maxLen,
			)
			var oversized []int
			lr.onOversized = func(n int) {
				oversized = append(oversized, n)
			}
			got, nums := drainLines(lr)
			if err := lr.Err(); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if !slices.Equal(nums, tt.wantNums) {
				t.Errorf("line numbers = %v, want %v", nums, tt.wantNums)
			}
			if !slices.Equal(oversized, tt.oversized) {
				t.Errorf("oversized = %v, want %v", oversized, tt.oversized)
			}
		})
	}
}

func TestLineReaderIOError(t *testing.T) {
	ioErr := errors.New("disk read failed")
	r := io.MultiReader(
		strings.NewReader("aaa\nbbb\n"),
		iotest.ErrReader(ioErr),
	)

	lr := newLineReader(r, 100)
	got, _ := drainLines(lr)

	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(got), got)
	}
	if !errors.Is(lr.Err(), ioErr) {
		t.Fatalf("Err() = %v, want %v", lr.Err(), ioErr)
	}
}
