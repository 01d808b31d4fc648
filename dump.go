package foodledger

import (
	"fmt"
	"io"
	"runtime"

	"github.com/davecgh/go-spew/spew"
)

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Dump prints v with the caller's location. Handy while debugging a submission.
func Dump(v ...any) {
	_, file, line, _ := runtime.Caller(1)
	args := append([]any{fmt.Sprintf("%s:%d:", file, line)}, v...)
	dumpConfig.Dump(args...)
}

// Fdump writes v to w with map keys sorted so output is stable across runs.
func Fdump(w io.Writer, v ...any) {
	dumpConfig.Fdump(w, v...)
}
