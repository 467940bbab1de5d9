package elfinfo

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
)

// DlopenSection holds notes describing libraries a program may dlopen
// at runtime. See https://systemd.io/ELF_DLOPEN_METADATA/
const DlopenSection = ".note.dlopen"

const noteHeaderSize = 12

type dlopenNote struct {
	Soname []string `json:"soname"`
}

// parseDlopenNotes walks the notes in data and returns one alternative
// set per note that carries a non-empty soname list. The metadata is
// advisory, so anything that doesn't decode is skipped.
func parseDlopenNotes(data []byte, order binary.ByteOrder) [][]string {
	var sets [][]string

	for len(data) >= noteHeaderSize {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])

		nameEnd := noteHeaderSize + align4(uint64(namesz))
		descEnd := nameEnd + uint64(descsz)

		if descEnd > uint64(len(data)) {
			break
		}

		desc := data[nameEnd:descEnd]

		next := nameEnd + align4(uint64(descsz))
		if next > uint64(len(data)) {
			next = uint64(len(data))
		}

		data = data[next:]

		desc = bytes.TrimRight(desc, "\x00")

		// A note may carry a single object or an array of them.
		var single dlopenNote
		if err := json.Unmarshal(desc, &single); err == nil {
			if len(single.Soname) > 0 {
				sets = append(sets, single.Soname)
			}

			continue
		}

		var many []dlopenNote
		if err := json.Unmarshal(desc, &many); err != nil {
			continue
		}

		for _, n := range many {
			if len(n.Soname) > 0 {
				sets = append(sets, n.Soname)
			}
		}
	}

	return sets
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}
