package model

import "fmt"

// Operation identifies the kind of directory change carried by an UpdateMsg.
type Operation int32

const (
	OpUnknown Operation = iota
	OpAdd
	OpDelete
	OpModify
	OpModDN
)

func (o Operation) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	case OpModDN:
		return "moddn"
	default:
		return "unknown"
	}
}

// ParseOperation maps the String form back to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch s {
	case "add":
		return OpAdd, nil
	case "delete":
		return OpDelete, nil
	case "modify":
		return OpModify, nil
	case "moddn":
		return OpModDN, nil
	}
	return OpUnknown, fmt.Errorf("unknown operation %q", s)
}

// UpdateMsg is one replicated change as stored in a replica changelog.
type UpdateMsg struct {
	Operation Operation
	BaseDN    string
	DN        string
	CSN       CSN
	EntryUUID string
	// Payload is stored as absent when empty, so a stored update never
	// carries a non-nil empty payload.
	Payload []byte
}

// ChangeNumberIndexRecord maps a change number to the replica change it indexes.
type ChangeNumberIndexRecord struct {
	ChangeNumber ChangeNumber
	BaseDN       string
	CSN          CSN
}
