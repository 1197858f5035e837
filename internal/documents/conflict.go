package documents

// writeDecision captures the outcome of resolveWrite.
type writeDecision struct {
	accepted bool
	updated  Document
}

// resolveWrite applies last-writer-wins by wall-clock timestamp. Equal timestamps
// favour the incoming write. There is no version check, so a slow writer whose clock
// runs ahead can still replace fresher content.
func resolveWrite(existing Document, write ContentWrite) writeDecision {
	incomingMillis := write.UpdatedAt.UnixMilli()
	if incomingMillis < existing.UpdatedAtMillis {
		return writeDecision{accepted: false, updated: existing}
	}

	updated := existing
	updated.Content = write.Content
	updated.UpdatedAtMillis = incomingMillis
	updated.LastUpdatedBy = write.LastUpdatedBy
	return writeDecision{accepted: true, updated: updated}
}
