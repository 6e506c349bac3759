package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/samber/lo"
)

const (
	formatJSON = "json"
	formatYAML = "yaml"

	commandDisplay = 30
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}

// writeStructured renders v for inspect commands
func writeStructured(w io.Writer, format string, v any) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case formatJSON:
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	case formatYAML:
		data, err = yaml.Marshal(v)
	default:
		return fmt.Errorf("%w: unknown output format %q (want json or yaml)", errUsage, format)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func humanSize(n int64) string {
	return datasize.ByteSize(n).HR()
}

func humanCreated(t time.Time) string {
	return humanize.Time(t)
}

func displayCommand(argv []string) string {
	return strconv.Quote(lo.Ellipsis(strings.Join(argv, " "), commandDisplay))
}
