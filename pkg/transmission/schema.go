package transmission

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced so that several relay deployments
// can share a single Redis server.
//
// Key pattern: relay:{namespace}:{entity}:{id}

// TransmissionKey returns the hash key for a transmission.
// Pattern: relay:{namespace}:transmission:{id}
func TransmissionKey(namespace, id string) string {
	return fmt.Sprintf("relay:%s:transmission:%s", namespace, id)
}

// RequestKey returns the idempotency index key for a client request id.
// Pattern: relay:{namespace}:request:{client_request_id}
func RequestKey(namespace, clientRequestID string) string {
	return fmt.Sprintf("relay:%s:request:%s", namespace, clientRequestID)
}

// QueueKey returns the ZSET of non-terminal transmission ids scored by creation time.
// Pattern: relay:{namespace}:queue
func QueueKey(namespace string) string {
	return fmt.Sprintf("relay:%s:queue", namespace)
}

// IndexKey returns the ZSET of every transmission id scored by creation time.
// Pattern: relay:{namespace}:transmissions
func IndexKey(namespace string) string {
	return fmt.Sprintf("relay:%s:transmissions", namespace)
}

// TraceRunKey returns the hash key for a transmission's trace run.
// Pattern: relay:{namespace}:trace_run:{transmission_id}
func TraceRunKey(namespace, transmissionID string) string {
	return fmt.Sprintf("relay:%s:trace_run:%s", namespace, transmissionID)
}

// TraceEventsKey returns the ZSET of one run's trace events scored by sequence number.
// Pattern: relay:{namespace}:trace:{run_id}:events
func TraceEventsKey(namespace, runID string) string {
	return fmt.Sprintf("relay:%s:trace:%s:events", namespace, runID)
}

// EvidenceKey returns the key holding a transmission's evidence record.
// Pattern: relay:{namespace}:evidence:{transmission_id}
func EvidenceKey(namespace, transmissionID string) string {
	return fmt.Sprintf("relay:%s:evidence:%s", namespace, transmissionID)
}

// ThreadEvidenceKey returns the SET of transmission ids with evidence in a thread.
// Pattern: relay:{namespace}:thread:{thread_id}:evidence
func ThreadEvidenceKey(namespace, threadID string) string {
	return fmt.Sprintf("relay:%s:thread:%s:evidence", namespace, threadID)
}

// EnvelopeKey returns the key holding a transmission's accepted output envelope.
// Pattern: relay:{namespace}:envelope:{transmission_id}
func EnvelopeKey(namespace, transmissionID string) string {
	return fmt.Sprintf("relay:%s:envelope:%s", namespace, transmissionID)
}

// ArtifactsKey returns the hash of derived artifacts for a transmission.
// Pattern: relay:{namespace}:artifacts:{transmission_id}
func ArtifactsKey(namespace, transmissionID string) string {
	return fmt.Sprintf("relay:%s:artifacts:%s", namespace, transmissionID)
}

// StatusEventsChannel returns the Pub/Sub channel carrying transmission status changes.
// Pattern: relay:{namespace}:transmission_events
func StatusEventsChannel(namespace string) string {
	return fmt.Sprintf("relay:%s:transmission_events", namespace)
}
