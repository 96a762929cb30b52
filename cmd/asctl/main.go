// Command asctl is a command line client for the attestation service.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ruteri/attestation-service/api"
	"github.com/ruteri/attestation-service/api/ashandler"
	"github.com/ruteri/attestation-service/cmd/flags"
	"github.com/ruteri/attestation-service/interfaces"
	"github.com/urfave/cli/v2"
)

var (
	teeFlag = &cli.StringFlag{
		Name:     "tee",
		Required: true,
		Usage:    "TEE type of the evidence: " + teeNames(),
	}
	evidenceFlag = &cli.StringFlag{
		Name:     "evidence",
		Required: true,
		Usage:    "path to the raw evidence file",
	}
	runtimeDataFlag = &cli.StringSliceFlag{
		Name:  "runtime-data",
		Usage: "runtime data item bound into report data, in order (repeatable)",
	}
	initDataFlag = &cli.StringSliceFlag{
		Name:  "init-data",
		Usage: "init data item bound into the TEE configuration, in order (repeatable)",
	}
	policyIDsFlag = &cli.StringSliceFlag{
		Name:  "policy",
		Usage: "policy id to evaluate (repeatable); the service default applies when omitted",
	}
	policyTypeFlag = &cli.StringFlag{
		Name:  "type",
		Value: interfaces.PolicyTypeCEL,
		Usage: "policy language",
	}
	policyIDFlag = &cli.StringFlag{
		Name:     "id",
		Required: true,
		Usage:    "policy id",
	}
	policyFileFlag = &cli.StringFlag{
		Name:     "file",
		Required: true,
		Usage:    "path to the policy source",
	}
	messageFileFlag = &cli.StringFlag{
		Name:     "file",
		Required: true,
		Usage:    "path to the JSON provenance message",
	}
	keyOutFlag = &cli.StringFlag{
		Name:     "key-out",
		Required: true,
		Usage:    "where to write the PEM signing key (token.key_path)",
	}
	certOutFlag = &cli.StringFlag{
		Name:  "cert-out",
		Usage: "where to write a self-signed certificate for the key (token.cert_path)",
	}
	commonNameFlag = &cli.StringFlag{
		Name:  "common-name",
		Value: "attestation-service-token-signer",
		Usage: "certificate subject common name",
	}
	validityFlag = &cli.DurationFlag{
		Name:  "validity",
		Value: 365 * 24 * time.Hour,
		Usage: "certificate validity",
	}
	expectFlag = &cli.StringFlag{
		Name:  "expect",
		Usage: "hex digest from a report to compare against",
	}
)

func teeNames() string {
	names := make([]string, 0, len(interfaces.KnownTees))
	for _, t := range interfaces.KnownTees {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}

func client(cCtx *cli.Context) *ashandler.Client {
	return ashandler.NewClient(cCtx.String(flags.ServiceURLFlag.Name))
}

// encodeItems base64-encodes flag values; an unset flag stays absent.
func encodeItems(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, api.EncodeBytes([]byte(item)))
	}
	return out
}

func main() {
	app := &cli.App{
		Name:  "asctl",
		Usage: "Interact with an attestation service",
		Flags: []cli.Flag{flags.ServiceURLFlag},
		Commands: []*cli.Command{
			{
				Name:  "evaluate",
				Usage: "Submit evidence and print the attestation token",
				Flags: []cli.Flag{teeFlag, evidenceFlag, runtimeDataFlag, initDataFlag, policyIDsFlag},
				Action: func(cCtx *cli.Context) error {
					evidence, err := os.ReadFile(cCtx.String(evidenceFlag.Name))
					if err != nil {
						return fmt.Errorf("could not read evidence: %w", err)
					}

					token, err := client(cCtx).Attest(cCtx.Context, &api.AttestationRequest{
						Tee:         cCtx.String(teeFlag.Name),
						Evidence:    api.EncodeBytes(evidence),
						RuntimeData: encodeItems(cCtx.StringSlice(runtimeDataFlag.Name)),
						InitData:    encodeItems(cCtx.StringSlice(initDataFlag.Name)),
						PolicyIDs:   cCtx.StringSlice(policyIDsFlag.Name),
					})
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
			{
				Name:  "set-policy",
				Usage: "Create or replace a policy",
				Flags: []cli.Flag{policyTypeFlag, policyIDFlag, policyFileFlag},
				Action: func(cCtx *cli.Context) error {
					source, err := os.ReadFile(cCtx.String(policyFileFlag.Name))
					if err != nil {
						return fmt.Errorf("could not read policy: %w", err)
					}
					return client(cCtx).SetPolicy(cCtx.Context, cCtx.String(policyTypeFlag.Name), cCtx.String(policyIDFlag.Name), source)
				},
			},
			{
				Name:  "list-policies",
				Usage: "List stored policies and their digests",
				Action: func(cCtx *cli.Context) error {
					policies, err := client(cCtx).ListPolicies(cCtx.Context)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(policies)
				},
			},
			{
				Name:  "remove-policy",
				Usage: "Remove a policy",
				Flags: []cli.Flag{policyIDFlag},
				Action: func(cCtx *cli.Context) error {
					return client(cCtx).RemovePolicy(cCtx.Context, cCtx.String(policyIDFlag.Name))
				},
			},
			{
				Name:  "register-rv",
				Usage: "Register reference values from a provenance message",
				Flags: []cli.Flag{messageFileFlag},
				Action: func(cCtx *cli.Context) error {
					message, err := os.ReadFile(cCtx.String(messageFileFlag.Name))
					if err != nil {
						return fmt.Errorf("could not read message: %w", err)
					}
					return client(cCtx).RegisterReferenceValue(cCtx.Context, string(message))
				},
			},
			{
				Name:  "keygen",
				Usage: "Generate a token signing key and optional self-signed certificate",
				Flags: []cli.Flag{keyOutFlag, certOutFlag, commonNameFlag, validityFlag},
				Action: func(cCtx *cli.Context) error {
					fingerprint, err := writeSigningKey(
						cCtx.String(keyOutFlag.Name),
						cCtx.String(certOutFlag.Name),
						cCtx.String(commonNameFlag.Name),
						cCtx.Duration(validityFlag.Name),
					)
					if err != nil {
						return err
					}
					fmt.Println(fingerprint.Hex())
					return nil
				},
			},
			{
				Name:  "digest",
				Usage: "Print the binding digest of runtime data items",
				Flags: []cli.Flag{runtimeDataFlag, expectFlag},
				Action: func(cCtx *cli.Context) error {
					items := cCtx.StringSlice(runtimeDataFlag.Name)
					materials := make([][]byte, 0, len(items))
					for _, item := range items {
						materials = append(materials, []byte(item))
					}
					digest, err := checkBinding(materials, cCtx.String(expectFlag.Name))
					if err != nil {
						return err
					}
					fmt.Println(digest.Hex())
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
