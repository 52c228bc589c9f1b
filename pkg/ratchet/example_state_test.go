package ratchet_test

import (
	"fmt"
	"log"

	"github.com/ecliptix-labs/channel/pkg/keystore"
	"github.com/ecliptix-labs/channel/pkg/ratchet"
)

// ExampleState_Serialize demonstrates persisting a ratchet's state across a
// process restart.
func ExampleState_Serialize() {
	aliceKS, err := keystore.Create(1)
	if err != nil {
		log.Fatal(err)
	}
	bobKS, err := keystore.Create(1)
	if err != nil {
		log.Fatal(err)
	}

	alice, err := ratchet.New(1, ratchet.EphemeralConnect, aliceKS, nil)
	if err != nil {
		log.Fatal(err)
	}
	bob, err := ratchet.New(1, ratchet.EphemeralConnect, bobKS, nil)
	if err != nil {
		log.Fatal(err)
	}

	aliceBundle, err := alice.BeginExchange()
	if err != nil {
		log.Fatal(err)
	}
	bobBundle, err := bob.BeginExchange()
	if err != nil {
		log.Fatal(err)
	}
	if err := alice.CompleteExchange(bobBundle); err != nil {
		log.Fatal(err)
	}
	if err := bob.CompleteExchange(aliceBundle); err != nil {
		log.Fatal(err)
	}

	env, err := alice.ProduceOutbound(1, []byte("hello, bob"))
	if err != nil {
		log.Fatal(err)
	}
	decrypted, err := bob.ProcessInbound(env)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("decrypted: %s\n", decrypted)

	state, err := alice.Save()
	if err != nil {
		log.Fatal(err)
	}
	data, err := state.Serialize()
	if err != nil {
		log.Fatal(err)
	}

	restoredState, err := ratchet.DeserializeState(data)
	if err != nil {
		log.Fatal(err)
	}
	restoredKS, err := keystore.Create(0)
	if err != nil {
		log.Fatal(err)
	}
	aliceRestored, err := ratchet.Restore(restoredState, restoredKS, nil)
	if err != nil {
		log.Fatal(err)
	}

	env2, err := aliceRestored.ProduceOutbound(2, []byte("after restore"))
	if err != nil {
		log.Fatal(err)
	}
	decrypted2, err := bob.ProcessInbound(env2)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("decrypted after restore: %s\n", decrypted2)

	// Output:
	// decrypted: hello, bob
	// decrypted after restore: after restore
}
