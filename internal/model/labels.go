package model

import (
	"strings"

	"github.com/pkg/errors"
)

// Location is the section of the vehicle a label refers to.
type Location string

const (
	Front Location = "Front"
	Rear  Location = "Rear"
)

// Code is the single-letter prefix used in the serialized label.
func (l Location) Code() string {
	switch l {
	case Front:
		return "F"
	case Rear:
		return "R"
	}
	return ""
}

// Condition is the damage state of the section.
type Condition string

const (
	Breakage Condition = "Breakage"
	Crushed  Condition = "Crushed"
	Normal   Condition = "Normal"
)

// Label is one of the six outcomes the classifier can emit.
type Label struct {
	Location  Location
	Condition Condition
}

// String encodes the label as {code}_{Condition}, e.g. F_Breakage.
func (l Label) String() string {
	return l.Location.Code() + "_" + string(l.Condition)
}

// vocabulary is ordered by model output index.
var vocabulary = [NumClasses]Label{
	{Front, Breakage},
	{Front, Crushed},
	{Front, Normal},
	{Rear, Breakage},
	{Rear, Crushed},
	{Rear, Normal},
}

// NumClasses is the width of the classification head.
const NumClasses = 6

// Vocabulary returns the labels in output-index order.
func Vocabulary() []Label {
	out := make([]Label, NumClasses)
	copy(out, vocabulary[:])
	return out
}

// LabelAt maps an output index to its label.
func LabelAt(idx int) (Label, error) {
	if idx < 0 || idx >= NumClasses {
		return Label{}, errors.Errorf("class index %d out of range [0,%d)", idx, NumClasses)
	}
	return vocabulary[idx], nil
}

// ParseLabel accepts exactly one of the six serialized labels.
func ParseLabel(s string) (Label, error) {
	code, cond, ok := strings.Cut(s, "_")
	if !ok {
		return Label{}, errors.Errorf("label %q has no separator", s)
	}
	for _, l := range vocabulary {
		if l.Location.Code() == code && string(l.Condition) == cond {
			return l, nil
		}
	}
	return Label{}, errors.Errorf("unknown label %q", s)
}
