package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"keyturn/internal/collab"
	"keyturn/internal/config"
	"keyturn/internal/db"
	"keyturn/internal/engine"
	"keyturn/internal/migrate"
	"keyturn/internal/notify"
	"keyturn/internal/projection"
	"keyturn/internal/repo"
	"keyturn/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kt",
	Short: "Keyturn CLI",
	Long: `Keyturn coordinates property purchase transactions between sellers and buyers.
A listing is the canonical record; each participant sees a denormalized copy
kept in sync by fan-out writes and a read-repair sweep. The purchase flows
Available -> proposed -> buyer confirmed -> documents confirmed -> handover
scheduled -> completed, with cancellation returning to Available at any point
before completion. Inspections (checklist, defects) run alongside.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("KEYTURN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting participant id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(listingCmd())
	rootCmd.AddCommand(purchaseCmd())
	rootCmd.AddCommand(docsCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(defectCmd())
	rootCmd.AddCommand(boardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var coordinatorID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Config already exists at %s\n", cfgPath)
				return nil
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(coordinatorID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace at %s (config: %s, db: %s)\n",
				workspace, cfgPath, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&coordinatorID, "coordinator-id", "keyturn", "coordinator id")
	return cmd
}

func listingCmd() *cobra.Command {
	listing := &cobra.Command{
		Use:   "listing",
		Short: "Manage listings",
		Long:  "Listings are the canonical property records. A listing starts Available, is placed under purchase by proposing a buyer, and is marked sold when the handover completes.",
	}
	listing.AddCommand(listingCreateCmd())
	listing.AddCommand(listingListCmd())
	listing.AddCommand(listingShowCmd())
	return listing
}

func listingCreateCmd() *cobra.Command {
	var opts engine.ListingCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.OwnerID == "" {
					opts.OwnerID = viper.GetString("actor-id")
				}
				opts.ActorID = viper.GetString("actor-id")
				l, err := e.CreateListing(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "listing id (generated when empty)")
	cmd.Flags().StringVar(&opts.OwnerID, "owner-id", "", "owner participant id (defaults to actor)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().Int64Var(&opts.Price, "price", 0, "price")
	cmd.Flags().StringVar(&opts.TransactionType, "transaction-type", "sale", "transaction type")
	cmd.Flags().StringVar(&opts.Address, "address", "", "address")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func listingListCmd() *cobra.Command {
	var f repo.ListingFilters
	var underPurchase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List listings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				switch underPurchase {
				case "true":
					v := true
					f.UnderPurchase = &v
				case "false":
					v := false
					f.UnderPurchase = &v
				}
				items, err := e.Repo.ListListings(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Owner", "Price", "State", "Buyer"})
				for _, l := range items {
					state := "available"
					switch {
					case l.Sold:
						state = "sold"
					case l.IsUnderPurchase:
						state = "under-purchase"
					}
					buyer := ""
					if l.ConfirmedBuyerID != nil {
						buyer = *l.ConfirmedBuyerID
					}
					tw.AppendRow(table.Row{l.ID, l.Title, l.OwnerID, l.Price, state, buyer})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.OwnerID, "owner-id", "", "owner filter")
	cmd.Flags().StringVar(&underPurchase, "under-purchase", "", "filter by purchase state (true/false)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func listingShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <listing-id>",
		Short: "Show a listing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Repo.GetListing(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func purchaseCmd() *cobra.Command {
	purchase := &cobra.Command{
		Use:   "purchase",
		Short: "Drive the purchase workflow",
		Long:  "Propose a buyer, confirm as buyer, confirm documents as seller, schedule and complete the handover, or cancel. Each step validates the current state and records an event.",
	}
	purchase.AddCommand(purchaseProposeCmd())
	purchase.AddCommand(purchaseConfirmCmd())
	purchase.AddCommand(purchaseCancelCmd())
	purchase.AddCommand(purchaseHandoverCmd())
	purchase.AddCommand(purchaseCompleteCmd())
	return purchase
}

func purchaseProposeCmd() *cobra.Command {
	var buyerID string
	cmd := &cobra.Command{
		Use:   "propose <listing-id>",
		Short: "Propose a buyer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ProposeBuyer(ctx, args[0], buyerID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&buyerID, "buyer-id", "", "buyer participant id")
	_ = cmd.MarkFlagRequired("buyer-id")
	return cmd
}

func purchaseConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <listing-id>",
		Short: "Confirm the purchase as the proposed buyer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ConfirmAsBuyer(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func purchaseCancelCmd() *cobra.Command {
	var initiator string
	cmd := &cobra.Command{
		Use:   "cancel <listing-id>",
		Short: "Cancel the purchase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.Cancel(ctx, args[0], initiator, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&initiator, "initiator", "", "cancelling party (buyer or seller)")
	_ = cmd.MarkFlagRequired("initiator")
	return cmd
}

func purchaseHandoverCmd() *cobra.Command {
	var date, note string
	cmd := &cobra.Command{
		Use:   "handover <listing-id>",
		Short: "Schedule the handover",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ScheduleHandover(ctx, args[0], viper.GetString("actor-id"), date, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "handover date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&note, "note", "", "handover note")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func purchaseCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <listing-id>",
		Short: "Complete the handover and mark the listing sold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.CompleteHandover(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func docsCmd() *cobra.Command {
	docs := &cobra.Command{
		Use:   "docs",
		Short: "Manage required documents",
		Long:  "The seller acknowledges each required document kind from the configured catalog, then confirms the set. Confirmation is blocked until every required kind is acknowledged.",
	}
	docs.AddCommand(docsAckCmd())
	docs.AddCommand(docsListCmd())
	docs.AddCommand(docsConfirmCmd())
	return docs
}

func docsAckCmd() *cobra.Command {
	var kind, note string
	cmd := &cobra.Command{
		Use:   "ack <listing-id>",
		Short: "Acknowledge a document kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ack, err := e.AcknowledgeDocument(ctx, args[0], kind, note, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(ack)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "document kind from the catalog")
	cmd.Flags().StringVar(&note, "note", "", "optional note")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func docsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <listing-id>",
		Short: "List acknowledged documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				acks, err := e.Repo.ListDocumentAcks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(acks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Acked By", "At", "Note"})
				for _, a := range acks {
					tw.AppendRow(table.Row{a.Kind, a.ActorID, a.TS, a.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func docsConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <listing-id>",
		Short: "Confirm the document set as seller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.ConfirmDocumentsAsSeller(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
	return cmd
}

func checklistCmd() *cobra.Command {
	checklist := &cobra.Command{
		Use:   "checklist",
		Short: "Shared inspection checklist",
		Long:  "Either party adds inspection points while the purchase is in progress. Items start pending and are settled once as passed or issue; record a defect to track remediation.",
	}
	checklist.AddCommand(checklistAddCmd())
	checklist.AddCommand(checklistListCmd())
	checklist.AddCommand(checklistSettleCmd())
	return checklist
}

func checklistAddCmd() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "add <listing-id>",
		Short: "Add a checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.AddChecklistItem(ctx, args[0], title, description, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func checklistListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <listing-id>",
		Short: "List checklist items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChecklistItems(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Created By"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.Title, item.Status, item.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func checklistSettleCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "settle <item-id>",
		Short: "Settle a pending checklist item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				item, err := e.SetChecklistStatus(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "passed or issue")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func defectCmd() *cobra.Command {
	defect := &cobra.Command{
		Use:   "defect",
		Short: "Track defect issues",
		Long:  "Defects are permanent audit records: report them against a listing (optionally linked to the checklist item that surfaced them) and move them through pending, in-progress, verified, completed.",
	}
	defect.AddCommand(defectReportCmd())
	defect.AddCommand(defectListCmd())
	defect.AddCommand(defectStatusCmd())
	return defect
}

func defectReportCmd() *cobra.Command {
	var rep engine.DefectReport
	var checklistItemID, expected string
	cmd := &cobra.Command{
		Use:   "report <listing-id>",
		Short: "Report a defect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep.ListingID = args[0]
				rep.ActorID = viper.GetString("actor-id")
				if checklistItemID != "" {
					rep.ChecklistItemID = &checklistItemID
				}
				if expected != "" {
					rep.ExpectedCompletion = &expected
				}
				issue, err := e.ReportDefect(ctx, rep)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&rep.Title, "title", "", "defect title")
	cmd.Flags().StringVar(&rep.Location, "location", "", "location in the property")
	cmd.Flags().StringVar(&rep.Description, "description", "", "description")
	cmd.Flags().StringVar(&checklistItemID, "checklist-item", "", "originating checklist item id")
	cmd.Flags().StringVar(&expected, "expected-completion", "", "expected completion date")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func defectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <listing-id>",
		Short: "List defects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListDefectIssues(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Reported By", "Resolved At"})
				for _, issue := range issues {
					resolved := ""
					if issue.ResolvedAt != nil {
						resolved = *issue.ResolvedAt
					}
					tw.AppendRow(table.Row{issue.ID, issue.Title, issue.Status, issue.ReportedBy, resolved})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func defectStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "status <issue-id>",
		Short: "Advance a defect's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issue, err := e.AdvanceDefect(ctx, args[0], status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, in-progress, verified, or completed")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func boardCmd() *cobra.Command {
	board := &cobra.Command{
		Use:   "board",
		Short: "Participant projections",
		Long:  "The per-participant copies: a seller's listing board and a buyer's purchased properties.",
	}
	board.AddCommand(boardSellerCmd())
	board.AddCommand(boardBuyerCmd())
	return board
}

func boardSellerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seller [seller-id]",
		Short: "Show a seller's listing board",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sellerID := viper.GetString("actor-id")
			if len(args) == 1 {
				sellerID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSellerProjections(ctx, sellerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Listing", "Under Purchase", "Buyer OK", "Docs OK", "Handover", "Sold"})
				for _, p := range items {
					handover := ""
					if p.HandoverDate != nil {
						handover = *p.HandoverDate
					}
					tw.AppendRow(table.Row{p.ListingID, p.IsUnderPurchase, p.BuyerConfirmed, p.SellerDocumentsConfirmed, handover, p.Sold})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func boardBuyerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buyer [buyer-id]",
		Short: "Show a buyer's purchased properties",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buyerID := viper.GetString("actor-id")
			if len(args) == 1 {
				buyerID = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListBuyerProjections(ctx, buyerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Listing", "Title", "Price", "Docs OK", "Handover", "Sold"})
				for _, p := range items {
					handover := ""
					if p.HandoverDate != nil {
						handover = *p.HandoverDate
					}
					tw.AppendRow(table.Row{p.ListingID, p.Title, p.Price, p.SellerDocumentsConfirmed, handover, p.Sold})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, listingID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, listingID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&listingID, "listing", "", "listing id filter")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair diverged projections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rc := projection.NewReconciler(e.Repo, e.Projections)
				repaired, err := rc.ReconcileAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Repaired %d listing(s)\n", repaired)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var reconcileEvery int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := resolveConfig(workspace)
			if err != nil {
				return err
			}
			e := buildEngine(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("KEYTURN_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("KEYTURN_ALLOW_ACTOR_HEADER") == "true",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("KEYTURN_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			startReconcileLoop(cmd.Context(), e, cfg, reconcileEvery)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Keyturn API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().IntVar(&reconcileEvery, "reconcile-every", 0, "seconds between repair sweeps (0 uses config)")
	return cmd
}

func startReconcileLoop(ctx context.Context, e engine.Engine, cfg *config.Config, everySeconds int) {
	if everySeconds <= 0 && cfg != nil {
		everySeconds = cfg.Projections.ReconcileInterval
	}
	if everySeconds <= 0 {
		return
	}
	rc := projection.NewReconciler(e.Repo, e.Projections)
	go func() {
		ticker := time.NewTicker(time.Duration(everySeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := rc.ReconcileAll(context.Background()); err != nil {
					fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
				} else if n > 0 {
					fmt.Printf("reconcile: repaired %d listing(s)\n", n)
				}
			}
		}
	}()
}

// --- helpers ---

func resolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("keyturn")
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := resolveConfig(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, buildEngine(conn, cfg))
}

func buildEngine(conn *sql.DB, cfg *config.Config) engine.Engine {
	e := engine.New(conn, cfg)
	if cfg.Notifications.URL != "" {
		e.Notifier = notify.NewHTTPEmitter(cfg.Notifications.URL, cfg.Notifications.Secret,
			time.Duration(cfg.Notifications.TimeoutSeconds)*time.Second)
	}
	if cfg.Directory.URL != "" {
		e.Directory = collab.NewHTTPDirectory(cfg.Directory.URL,
			time.Duration(cfg.Directory.TimeoutSeconds)*time.Second)
	}
	return e
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
