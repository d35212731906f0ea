package custody

// Graph is output-artifact key → source-artifact key → the exact ordered
// list of output-artifact keys that source participates in producing.
// The nested form supports both fan-in (several sources feeding one
// output) and fan-out (one source feeding several outputs).
type Graph map[string]map[string][]string

// MetaStore is a mapping from artifact key to its most recent Entry.
type MetaStore map[string]*Entry
