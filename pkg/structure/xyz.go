package structure

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrBadXYZ indicates a malformed extended-XYZ frame.
var ErrBadXYZ = errors.New("malformed extended XYZ")

// ReadXYZ parses a single extended-XYZ frame.
//
// The comment line must carry a Lattice. Properties defaults to
// species:S:1:pos:R:3 and pbc defaults to "T T T". The optional keys id,
// composition, attempt and sample restore identity fields.
func ReadXYZ(r io.Reader) (*Structure, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: missing atom count", ErrBadXYZ)
	}
	n, err := strconv.Atoi(strings.TrimSpace(sc.Text()))
	if err != nil || n < 0 {
		return nil, fmt.Errorf("%w: bad atom count %q", ErrBadXYZ, sc.Text())
	}
	if n > MaxAtoms {
		return nil, fmt.Errorf("%w: atom count %d exceeds %d", ErrBadXYZ, n, MaxAtoms)
	}
	if !sc.Scan() {
		return nil, fmt.Errorf("%w: missing comment line", ErrBadXYZ)
	}
	info, err := parseInfoLine(sc.Text())
	if err != nil {
		return nil, err
	}

	s := &Structure{PBC: [3]bool{true, true, true}}
	latStr, ok := info["lattice"]
	if !ok {
		return nil, fmt.Errorf("%w: Lattice is required", ErrBadXYZ)
	}
	nums, err := parseFloats(latStr)
	if err != nil || len(nums) != 9 {
		return nil, fmt.Errorf("%w: Lattice needs 9 numbers", ErrBadXYZ)
	}
	for i := 0; i < 3; i++ {
		s.Lattice[i] = Vec3{nums[3*i], nums[3*i+1], nums[3*i+2]}
	}
	if pbcStr, ok := info["pbc"]; ok {
		fields := strings.Fields(pbcStr)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: pbc needs 3 flags", ErrBadXYZ)
		}
		for i, f := range fields {
			s.PBC[i] = strings.EqualFold(f, "T") || strings.EqualFold(f, "true")
		}
	}
	speciesCol, posCol, err := parseProperties(info["properties"])
	if err != nil {
		return nil, err
	}
	s.ID = info["id"]
	s.CompositionKey = info["composition"]
	if v, ok := info["attempt"]; ok {
		s.Attempt, _ = strconv.Atoi(v)
	}
	if v, ok := info["sample"]; ok {
		s.Sample, _ = strconv.Atoi(v)
	}

	// The header count is untrusted; grow as atom lines arrive.
	s.Species = make([]string, 0, min(n, 1024))
	s.Positions = make([]Vec3, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		if !sc.Scan() {
			return nil, fmt.Errorf("%w: expected %d atoms, got %d", ErrBadXYZ, n, i)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) <= speciesCol || len(fields) < posCol+3 {
			return nil, fmt.Errorf("%w: atom line %d too short", ErrBadXYZ, i+1)
		}
		var p Vec3
		for k := 0; k < 3; k++ {
			p[k], err = strconv.ParseFloat(fields[posCol+k], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: atom line %d: %v", ErrBadXYZ, i+1, err)
			}
		}
		s.Species = append(s.Species, fields[speciesCol])
		s.Positions = append(s.Positions, p)
	}
	return s, sc.Err()
}

// WriteXYZ writes s as one extended-XYZ frame.
func WriteXYZ(w io.Writer, s *Structure) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%d\n", s.Len())

	lat := make([]string, 0, 9)
	for _, v := range s.Lattice {
		for _, x := range v {
			lat = append(lat, strconv.FormatFloat(x, 'f', 8, 64))
		}
	}
	pbc := make([]string, 3)
	for i, p := range s.PBC {
		pbc[i] = "F"
		if p {
			pbc[i] = "T"
		}
	}
	fmt.Fprintf(bw, "Lattice=\"%s\" Properties=species:S:1:pos:R:3 pbc=\"%s\"",
		strings.Join(lat, " "), strings.Join(pbc, " "))
	if s.ID != "" {
		fmt.Fprintf(bw, " id=%s", s.ID)
	}
	if s.CompositionKey != "" {
		fmt.Fprintf(bw, " composition=%s attempt=%d sample=%d", s.CompositionKey, s.Attempt, s.Sample)
	}
	bw.WriteByte('\n')

	for i, sp := range s.Species {
		p := s.Positions[i]
		fmt.Fprintf(bw, "%-2s %16.8f %16.8f %16.8f\n", sp, p[0], p[1], p[2])
	}
	return bw.Flush()
}

// parseInfoLine splits key=value pairs, honouring double quotes.
// Keys are lower-cased.
func parseInfoLine(line string) (map[string]string, error) {
	out := make(map[string]string)
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		if i >= len(line) {
			break
		}
		start := i
		for i < len(line) && line[i] != '=' && line[i] != ' ' {
			i++
		}
		key := strings.ToLower(line[start:i])
		if i >= len(line) || line[i] != '=' {
			// Bare flag.
			out[key] = "T"
			continue
		}
		i++
		var val string
		if i < len(line) && line[i] == '"' {
			end := strings.IndexByte(line[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quote for %s", ErrBadXYZ, key)
			}
			val = line[i+1 : i+1+end]
			i += end + 2
		} else {
			start = i
			for i < len(line) && line[i] != ' ' {
				i++
			}
			val = line[start:i]
		}
		out[key] = val
	}
	return out, nil
}

// parseProperties returns the column offsets of species and pos.
func parseProperties(props string) (int, int, error) {
	if props == "" {
		return 0, 1, nil
	}
	parts := strings.Split(props, ":")
	if len(parts)%3 != 0 {
		return 0, 0, fmt.Errorf("%w: Properties %q", ErrBadXYZ, props)
	}
	speciesCol, posCol := -1, -1
	col := 0
	for i := 0; i < len(parts); i += 3 {
		width, err := strconv.Atoi(parts[i+2])
		if err != nil || width < 1 {
			return 0, 0, fmt.Errorf("%w: Properties width %q", ErrBadXYZ, parts[i+2])
		}
		switch strings.ToLower(parts[i]) {
		case "species":
			speciesCol = col
		case "pos":
			if width != 3 {
				return 0, 0, fmt.Errorf("%w: pos must have width 3", ErrBadXYZ)
			}
			posCol = col
		}
		col += width
	}
	if speciesCol < 0 || posCol < 0 {
		return 0, 0, fmt.Errorf("%w: Properties must include species and pos", ErrBadXYZ)
	}
	return speciesCol, posCol, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
