package ir

// RecordVersion is the row-mapping version stamped on every persisted
// instance row. Rows carrying another version are rejected on read.
const RecordVersion = "1"
