// Command artifacts lists rendered output offline: it walks the
// date-partitioned output directory, decodes artifact filenames and prints a
// per-key summary. Useful for auditing a render host without the service
// running.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pagemill/pagemill/internal/artifact"
)

type entry struct {
	parsed artifact.Parsed
	path   string
	size   int64
}

func main() {
	dir := flag.String("dir", "./output", "artifact output directory")
	key := flag.String("key", "", "only list artifacts for this job key")
	flag.Parse()

	days, err := os.ReadDir(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "artifacts: cannot read %s: %v\n", *dir, err)
		os.Exit(1)
	}

	var entries []entry
	skipped := 0
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(*dir, day.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "artifacts: cannot read %s: %v\n", day.Name(), err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			p, err := artifact.Parse(f.Name(), day.Name())
			if err != nil {
				skipped++
				continue
			}
			if *key != "" && p.Key != *key {
				continue
			}
			info, err := f.Info()
			var size int64
			if err == nil {
				size = info.Size()
			}
			entries = append(entries, entry{
				parsed: p,
				path:   filepath.Join(*dir, day.Name(), f.Name()),
				size:   size,
			})
		}
	}

	sort.Slice(entries, func(i, k int) bool {
		if entries[i].parsed.Key != entries[k].parsed.Key {
			return entries[i].parsed.Key < entries[k].parsed.Key
		}
		return entries[i].parsed.Timestamp.Before(entries[k].parsed.Timestamp)
	})

	for _, e := range entries {
		marker := " "
		if e.parsed.Error {
			marker = "!"
		}
		fmt.Printf("%s %-30s %s %8d  %s\n",
			marker, e.parsed.Key, e.parsed.Timestamp.Format("2006-01-02 15:04:05"), e.size, e.path)
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "artifacts: skipped %d files that are not artifacts\n", skipped)
	}
}
