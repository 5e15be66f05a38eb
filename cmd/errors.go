/*
Copyright © 2025 Joseph Goksu josephgoksu@gmail.com
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/viper"
)

// Exit codes by error kind.
const (
	exitGeneric     = 1
	exitValidation  = 2
	exitConcurrency = 3
	exitStorage     = 4
	exitPartial     = 5
)

// errValidationFailed is returned when `validate` finds violations.
var errValidationFailed = errors.New("task graph has validation errors")

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if errors.Is(err, errValidationFailed) {
		return exitValidation
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		return exitValidation
	case types.KindConcurrency:
		return exitConcurrency
	case types.KindStorage, types.KindTransaction:
		return exitStorage
	case types.KindBulkOperation:
		return exitPartial
	default:
		return exitGeneric
	}
}

// PrintError prints err to stderr. Engine errors are printed as JSON when
// --json is set.
func PrintError(err error) {
	printError(os.Stderr, err)
}

func printError(w io.Writer, err error) {
	if viper.GetBool("json") {
		var te types.Error
		if errors.As(err, &te) {
			if out, mErr := json.Marshal(te); mErr == nil {
				fmt.Fprintln(w, string(out))
				return
			}
		}
		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintln(w, string(out))
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)

	var verr *types.ValidationError
	if errors.As(err, &verr) && len(verr.Violations) > 1 {
		for _, v := range verr.Violations {
			fmt.Fprintf(w, "  - %s\n", v)
		}
	}
	var bulk *types.BulkOperationError
	if errors.As(err, &bulk) && viper.GetBool("verbose") {
		for _, it := range bulk.Items {
			fmt.Fprintf(w, "  - %s (%s after %d attempts): %v\n", it.Identity, it.Outcome, it.Attempts, it.Err)
		}
	}
}
