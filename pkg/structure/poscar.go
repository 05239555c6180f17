package structure

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrBadPOSCAR indicates a malformed VASP POSCAR file.
var ErrBadPOSCAR = errors.New("malformed POSCAR")

// WritePOSCAR writes s in VASP 5 format with Cartesian coordinates.
// Species are written as consecutive runs so atom order is preserved.
func WritePOSCAR(w io.Writer, s *Structure, comment string) error {
	bw := bufio.NewWriter(w)
	if comment == "" {
		comment = s.ID
	}
	fmt.Fprintln(bw, strings.ReplaceAll(comment, "\n", " "))
	fmt.Fprintln(bw, "1.0")
	for _, v := range s.Lattice {
		fmt.Fprintf(bw, " %16.10f %16.10f %16.10f\n", v[0], v[1], v[2])
	}

	var names []string
	var counts []string
	for i := 0; i < len(s.Species); {
		j := i
		for j < len(s.Species) && s.Species[j] == s.Species[i] {
			j++
		}
		names = append(names, s.Species[i])
		counts = append(counts, strconv.Itoa(j-i))
		i = j
	}
	fmt.Fprintln(bw, " "+strings.Join(names, " "))
	fmt.Fprintln(bw, " "+strings.Join(counts, " "))
	fmt.Fprintln(bw, "Cartesian")
	for _, p := range s.Positions {
		fmt.Fprintf(bw, " %16.10f %16.10f %16.10f\n", p[0], p[1], p[2])
	}
	return bw.Flush()
}

// ReadPOSCAR parses a VASP 5 POSCAR (species line required). Periodicity is
// assumed in all three directions.
func ReadPOSCAR(r io.Reader) (*Structure, error) {
	sc := bufio.NewScanner(r)
	next := func(what string) ([]string, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: missing %s", ErrBadPOSCAR, what)
		}
		return strings.Fields(sc.Text()), nil
	}

	if _, err := next("comment"); err != nil {
		return nil, err
	}
	scaleLine, err := next("scale")
	if err != nil {
		return nil, err
	}
	if len(scaleLine) == 0 {
		return nil, fmt.Errorf("%w: empty scale line", ErrBadPOSCAR)
	}
	scale, err := strconv.ParseFloat(scaleLine[0], 64)
	if err != nil || scale <= 0 {
		return nil, fmt.Errorf("%w: scale must be a positive number", ErrBadPOSCAR)
	}

	s := &Structure{PBC: [3]bool{true, true, true}}
	for i := 0; i < 3; i++ {
		f, err := next("lattice vector")
		if err != nil {
			return nil, err
		}
		v, err := vec(f)
		if err != nil {
			return nil, err
		}
		s.Lattice[i] = v.Scale(scale)
	}

	names, err := next("species")
	if err != nil {
		return nil, err
	}
	countFields, err := next("counts")
	if err != nil {
		return nil, err
	}
	if len(names) == 0 || len(names) != len(countFields) {
		return nil, fmt.Errorf("%w: species and counts differ in length", ErrBadPOSCAR)
	}
	counts := make([]int, len(countFields))
	total := 0
	for i, c := range countFields {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad count %q", ErrBadPOSCAR, c)
		}
		if n > MaxAtoms-total {
			return nil, fmt.Errorf("%w: atom count exceeds %d", ErrBadPOSCAR, MaxAtoms)
		}
		total += n
		counts[i] = n
	}
	for i, n := range counts {
		for k := 0; k < n; k++ {
			s.Species = append(s.Species, names[i])
		}
	}

	mode, err := next("coordinate mode")
	if err != nil {
		return nil, err
	}
	if len(mode) > 0 && strings.HasPrefix(strings.ToLower(mode[0]), "s") {
		if mode, err = next("coordinate mode"); err != nil {
			return nil, err
		}
	}
	if len(mode) == 0 {
		return nil, fmt.Errorf("%w: empty coordinate mode", ErrBadPOSCAR)
	}
	m := strings.ToLower(mode[0])[0]
	cartesian := m == 'c' || m == 'k'

	for range s.Species {
		f, err := next("position")
		if err != nil {
			return nil, err
		}
		p, err := vec(f)
		if err != nil {
			return nil, err
		}
		if cartesian {
			p = p.Scale(scale)
		} else {
			p = s.Lattice.Cartesian(p)
		}
		s.Positions = append(s.Positions, p)
	}
	return s, nil
}

func vec(fields []string) (Vec3, error) {
	if len(fields) < 3 {
		return Vec3{}, fmt.Errorf("%w: expected 3 numbers", ErrBadPOSCAR)
	}
	var v Vec3
	for i := 0; i < 3; i++ {
		x, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Vec3{}, fmt.Errorf("%w: %v", ErrBadPOSCAR, err)
		}
		v[i] = x
	}
	return v, nil
}

// Read detects the format from the file name (".vasp", "POSCAR", "CONTCAR"
// or ".xyz") and parses a structure.
func Read(name string, r io.Reader) (*Structure, error) {
	if IsPOSCARName(name) {
		return ReadPOSCAR(r)
	}
	return ReadXYZ(r)
}

// IsPOSCARName reports whether name looks like a VASP structure file.
func IsPOSCARName(name string) bool {
	lower := strings.ToLower(name)
	base := lower[strings.LastIndex(lower, "/")+1:]
	return strings.HasSuffix(lower, ".vasp") || strings.HasPrefix(base, "poscar") || strings.HasPrefix(base, "contcar")
}
