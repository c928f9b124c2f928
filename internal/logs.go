package internal

import "fmt"

// MaxSizeSubjectsListForLog returns at most maxToDisplay of the map's keys as a slice,
// plus one trailing "(and N more...)" entry when keys were left out. It is useful for
// logging configured listen addresses at startup, since a
// map is typically needed for quick lookup, but a slice is needed for logging, and a
// config may name hundreds of server blocks.
func MaxSizeSubjectsListForLog(subjects map[string]struct{}, maxToDisplay int) []string {
	numberOfNamesToDisplay := min(len(subjects), maxToDisplay)
	namesToDisplay := make([]string, 0, numberOfNamesToDisplay)
	for name := range subjects {
		namesToDisplay = append(namesToDisplay, name)
		if len(namesToDisplay) >= numberOfNamesToDisplay {
			break
		}
	}
	if len(subjects) > maxToDisplay {
		namesToDisplay = append(namesToDisplay, fmt.Sprintf("(and %d more...)", len(subjects)-maxToDisplay))
	}
	return namesToDisplay
}
