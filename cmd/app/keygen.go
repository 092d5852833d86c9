package main

import (
	"fmt"

	"github.com/nrwiersma/jobcluster/auth"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v2"
)

func runKeyGen(c *cli.Context) error {
	key, err := auth.GenerateSecret(c.Int(flagLength))
	if err != nil {
		return errors.Wrap(err, "error generating key")
	}

	fmt.Println(key)

	return nil
}

func runToken(c *cli.Context) error {
	client := c.String(flagClient)
	if client == "" {
		return errors.New("a client is required")
	}

	a, err := auth.New(c.String(flagSecret), 0)
	if err != nil {
		return err
	}

	token, err := a.MintAgent(client)
	if err != nil {
		return errors.Wrap(err, "error minting token")
	}

	fmt.Println(token)

	return nil
}
