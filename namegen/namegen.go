package namegen

import (
	"fmt"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// Node returns the instance name of the i-th node of the fleet identified by id.
func (id ID) Node(i int) string {
	return fmt.Sprintf("dasklaunch-%s-%d", id, i)
}
