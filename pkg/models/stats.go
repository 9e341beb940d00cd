package models

// Stats summarizes ledger history for the status command.
type Stats struct {
	TotalSyncs    int
	SuccessSyncs  int
	PartialSyncs  int
	FailedSyncs   int
	TotalFiles    int
	TotalSize     int64
	CachedFolders int
	LastSync      string
}
