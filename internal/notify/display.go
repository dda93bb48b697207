package notify

import (
	"errors"

	"chronicle/coedit/internal/domainerr"
)

type Display string

const (
	DisplayInline Display = "inline"
	DisplayToast  Display = "toast"
	DisplayBoth   Display = "both"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

type Category string

const (
	CategoryOperation  Category = "operation"
	CategoryValidation Category = "validation"
	CategoryNetwork    Category = "network"
	CategorySystem     Category = "system"
)

const (
	inlineMaxBlocks = 3
	toastMinBlocks  = 5
)

// DecideDisplay picks where a notification surfaces. System errors always
// reach a toast; small block sets prefer inline, large or empty sets prefer
// a toast, and anything in between gets both.
func DecideDisplay(blockCount int, severity Severity, category Category) Display {
	small := blockCount > 0 && blockCount <= inlineMaxBlocks
	if category == CategorySystem {
		if small {
			return DisplayBoth
		}
		return DisplayToast
	}
	if severity == SeverityCritical {
		return DisplayBoth
	}
	switch {
	case blockCount == 0 || blockCount >= toastMinBlocks:
		return DisplayToast
	case small:
		return DisplayInline
	default:
		return DisplayBoth
	}
}

func priority(severity Severity, retryable bool) int {
	p := map[Severity]int{SeverityInfo: 1, SeverityWarning: 2, SeverityError: 3, SeverityCritical: 4}[severity]
	if retryable {
		p++
	}
	return p
}

// categorize maps the error taxonomy onto notification categories. Errors
// outside the taxonomy are treated as system failures.
func categorize(err error) Category {
	switch domainerr.KindOf(err) {
	case domainerr.KindValidation, domainerr.KindNotFound, domainerr.KindSafety, domainerr.KindCapacity:
		return CategoryValidation
	case domainerr.KindNetwork:
		return CategoryNetwork
	case domainerr.KindOperation:
		return CategoryOperation
	default:
		return CategorySystem
	}
}

func errorMessage(err error) string {
	var de *domainerr.Error
	if errors.As(err, &de) {
		return de.Message
	}
	if err == nil {
		return "operation failed"
	}
	return err.Error()
}
