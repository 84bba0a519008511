package motioncor

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
	"strings"

	"motioncorr/internal/imageio"
)

// EERDefectsTag holds the camera defect XML of an EER gain reference.
const EERDefectsTag = 65100

// Defect is a rectangle x, y, w, h of bad pixels.
type Defect [4]int

type eerDefectsXML struct {
	Entries []struct {
		XMLName xml.Name
		Value   string `xml:",chardata"`
	} `xml:",any"`
}

// ParseEERDefects reads the defect list stored in an EER gain TIFF. Points,
// areas, whole columns and whole rows become rectangles; columns and rows
// may be ranges written "a-b". A gain without the tag yields no defects.
func ParseEERDefects(gain string) ([]Defect, error) {
	raw, ok, err := imageio.TIFFTag(gain, EERDefectsTag)
	if err != nil {
		return nil, fmt.Errorf("read eer gain %s: %w", gain, err)
	}
	if !ok {
		return nil, nil
	}
	w, h, _, err := imageio.Dimensions(gain)
	if err != nil {
		return nil, fmt.Errorf("read eer gain %s: %w", gain, err)
	}

	var doc eerDefectsXML
	if err := xml.Unmarshal([]byte(strings.TrimRight(string(raw), "\x00")), &doc); err != nil {
		return nil, fmt.Errorf("parse eer defects: %w", err)
	}

	var defects []Defect
	for _, e := range doc.Entries {
		nums, err := splitInts(e.Value)
		if err != nil {
			return nil, fmt.Errorf("eer defect <%s>%s: %w", e.XMLName.Local, e.Value, err)
		}
		switch e.XMLName.Local {
		case "point":
			if len(nums) != 2 {
				return nil, fmt.Errorf("eer defect point %q", e.Value)
			}
			defects = append(defects, Defect{nums[0], nums[1], 1, 1})
		case "area":
			if len(nums) != 4 {
				return nil, fmt.Errorf("eer defect area %q", e.Value)
			}
			defects = append(defects, Defect{nums[0], nums[1], nums[2] - nums[0] + 1, nums[3] - nums[1] + 1})
		case "col":
			a, b := span(nums)
			defects = append(defects, Defect{a, 0, b - a + 1, h})
		case "row":
			a, b := span(nums)
			defects = append(defects, Defect{0, a, w, b - a + 1})
		}
	}
	return defects, nil
}

func span(nums []int) (int, int) {
	switch len(nums) {
	case 0:
		return 0, -1
	case 1:
		return nums[0], nums[0]
	}
	return nums[0], nums[1]
}

func splitInts(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '-' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// WriteDefectsFile writes one "x y w h" line per defect.
func WriteDefectsFile(path string, defects []Defect) error {
	var b strings.Builder
	for _, d := range defects {
		fmt.Fprintf(&b, "%d %d %d %d\n", d[0], d[1], d[2], d[3])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// WriteFmIntFile writes the EER dose distribution: all hardware frames are
// grouped by group and each fraction receives dose.
func WriteFmIntFile(path string, frames, group int, dose float64) error {
	line := fmt.Sprintf("%d %d %s", frames, group, strconv.FormatFloat(dose, 'f', -1, 64))
	return os.WriteFile(path, []byte(line), 0o644)
}
