package fleet

type Event interface{}

type EventFleetLaunching struct {
	Fleet string
	Label string
	Count int
}

type EventNodeCreated struct {
	Node string
	ID   string
}

type EventNodeStatusUpdated struct {
	Node   string
	Status NodeStatus
}

// EventFleetProvisioned is sent once the provisioner handed back the instances it created,
// before they are probed. On a partial failure, only the created instances are listed.
type EventFleetProvisioned struct {
	InstanceIDs []string
}

type EventFleetOnline struct {
	InstanceIDs []string
}

type EventNodeTerminated struct {
	Node string
	ID   string
	Err  error
}

type EventFleetTerminated struct {
	InstanceIDs []string
	// Failed lists the instances which could not be terminated and may still be running.
	Failed []string
}
