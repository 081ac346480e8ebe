package protocol

import "fmt"

// NATS subject helpers.
//
// Commands flow cloud -> vehicle on strada.cmd.<vehicle-id>; responses flow
// vehicle -> cloud on strada.resp.<vehicle-id>.

func SubjectCommands(vehicleID string) string {
	return fmt.Sprintf("strada.cmd.%s", vehicleID)
}

func SubjectResponses(vehicleID string) string {
	return fmt.Sprintf("strada.resp.%s", vehicleID)
}

func SubjectHeartbeat(vehicleID string) string {
	return fmt.Sprintf("strada.heartbeat.%s", vehicleID)
}
