package queryir

// Kind is the value type of a searchable field.
type Kind int

const (
	KindText Kind = iota
	KindInt
	KindBool
	KindTime
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Fields lists every field a predicate may name, with its kind.
//
// last_seq_num is the last exposure a revision covers (seq_num_end, or
// seq_num for single-exposure messages). search_text is the folded
// message_text that text search matches against.
var Fields = map[string]Kind{
	"id":            KindText,
	"entry_id":      KindText,
	"parent_id":     KindText,
	"site_id":       KindText,
	"obs_id":        KindText,
	"instrument":    KindText,
	"day_obs":       KindInt,
	"seq_num":       KindInt,
	"seq_num_end":   KindInt,
	"last_seq_num":  KindInt,
	"message_text":  KindText,
	"search_text":   KindText,
	"level":         KindInt,
	"urls":          KindList,
	"user_id":       KindText,
	"user_agent":    KindText,
	"is_human":      KindBool,
	"exposure_flag": KindText,
	"date_added":    KindTime,
}

// Nullable lists the fields IsNull may name.
var Nullable = map[string]bool{
	"parent_id":   true,
	"seq_num_end": true,
}
