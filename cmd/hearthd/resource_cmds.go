package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hearthhq/hearth/pkg/types"
)

// clientFromFlags builds an apiClient from the --api-addr/--token
// persistent flags shared by every project/deployment/cert subcommand.
func clientFromFlags(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("api-addr")
	token, _ := cmd.Flags().GetString("token")
	return newAPIClient(addr, token)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage tracked projects",
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		var projects []*types.Project
		if err := clientFromFlags(cmd).do("GET", "/v1/projects", nil, &projects); err != nil {
			return err
		}
		printJSON(projects)
		return nil
	},
}

var projectCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Track a new project",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		repoID, _ := cmd.Flags().GetInt64("repo-id")
		root, _ := cmd.Flags().GetString("root")
		installID, _ := cmd.Flags().GetInt64("github-install-id")
		domains, _ := cmd.Flags().GetStringSlice("custom-domain")

		req := map[string]any{
			"name":              name,
			"repo_id":           repoID,
			"root":              root,
			"github_install_id": installID,
			"custom_domains":    domains,
		}
		var created types.Project
		if err := clientFromFlags(cmd).do("POST", "/v1/projects", req, &created); err != nil {
			return err
		}
		printJSON(created)
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a tracked project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientFromFlags(cmd).do("DELETE", "/v1/projects/"+args[0], nil, nil)
	},
}

var deploymentCmd = &cobra.Command{
	Use:   "deployment",
	Short: "Manage deployments",
}

var deploymentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		var deployments []*types.Deployment
		if err := clientFromFlags(cmd).do("GET", "/v1/deployments", nil, &deployments); err != nil {
			return err
		}
		printJSON(deployments)
		return nil
	},
}

var deploymentRedeployCmd = &cobra.Command{
	Use:   "redeploy <deployment-id>",
	Short: "Re-queue a fresh build of an existing deployment's frozen config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := clientFromFlags(cmd).do("POST", "/v1/deployments/"+args[0]+"/redeploy", nil, &result); err != nil {
			return err
		}
		fmt.Printf("queued new deployment %s\n", result["id"])
		return nil
	},
}

var deploymentDeleteCmd = &cobra.Command{
	Use:   "delete <deployment-id>",
	Short: "Delete a deployment and tear down its container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientFromFlags(cmd).do("DELETE", "/v1/deployments/"+args[0], nil, nil)
	},
}

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect and manage TLS certificates",
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked certificates and their state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var certs []any
		if err := clientFromFlags(cmd).do("GET", "/v1/certs", nil, &certs); err != nil {
			return err
		}
		printJSON(certs)
		return nil
	},
}

var certRenewCmd = &cobra.Command{
	Use:   "renew <domain>",
	Short: "Register a domain for certificate issuance/renewal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return clientFromFlags(cmd).do("POST", "/v1/certs", map[string]string{"domain": args[0]}, nil)
	},
}

func init() {
	for _, c := range []*cobra.Command{projectCmd, deploymentCmd, certCmd} {
		c.PersistentFlags().String("api-addr", "http://127.0.0.1:8081", "Management API base URL")
		c.PersistentFlags().String("token", "", "Bearer token for the management API")
	}

	projectCmd.AddCommand(projectListCmd, projectCreateCmd, projectDeleteCmd)
	projectCreateCmd.Flags().String("name", "", "Project name (required)")
	projectCreateCmd.Flags().Int64("repo-id", 0, "Source repository ID")
	projectCreateCmd.Flags().String("root", "", "Path within the repo, empty for repo root")
	projectCreateCmd.Flags().Int64("github-install-id", 0, "GitHub App installation ID covering the repo")
	projectCreateCmd.Flags().StringSlice("custom-domain", nil, "Custom domain to route to this project's production deployment (repeatable)")
	projectCreateCmd.MarkFlagRequired("name")

	deploymentCmd.AddCommand(deploymentListCmd, deploymentRedeployCmd, deploymentDeleteCmd)

	certCmd.AddCommand(certListCmd, certRenewCmd)

	rootCmd.AddCommand(projectCmd, deploymentCmd, certCmd)
}
