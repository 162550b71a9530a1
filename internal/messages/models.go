package messages

// Status is the persistent send state of a message. The single-letter codes
// are frozen: other systems read the same table.
type Status string

const (
	StatusPending    Status = "P" // awaiting dispatch
	StatusInProgress Status = "N" // claimed by a worker, not yet submitted
	StatusSent       Status = "E" // accepted by the carrier
	StatusError      Status = "R" // terminal failure or attempt cap reached
	StatusCancelled  Status = "A" // administratively voided
)

// Description returns a human-readable label for logging.
func (s Status) Description() string {
	switch s {
	case StatusPending:
		return "Pendiente de envío"
	case StatusInProgress:
		return "En proceso de envío"
	case StatusSent:
		return "Enviado"
	case StatusError:
		return "Procesado con error"
	case StatusCancelled:
		return "Anulado"
	}
	return "Desconocido"
}

// StatusFromCode maps a stored code back to its Status. The second return
// is false for any code outside the closed set.
func StatusFromCode(code string) (Status, bool) {
	switch Status(code) {
	case StatusPending, StatusInProgress, StatusSent, StatusError, StatusCancelled:
		return Status(code), true
	}
	return "", false
}

// SmsMessage is one outbound message claimed from the pending queue.
// Source is the configured sender address of the service that claimed the
// batch, not a column of the row.
type SmsMessage struct {
	ID          int64
	Source      string
	Destination string
	Text        string
}
