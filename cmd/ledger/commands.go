package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"foodledger"
	"foodledger/catalog"
	"foodledger/ledger"
)

func logCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "log [text...]",
		Short:   "Log a free-text meal",
		Example: `  ledger log "2 eggs, toast and a cup of coffee"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.engine.LogSubmission(cmd.Context(), a.username, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Message)
			return nil
		},
	}
}

func todayCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Show today's entries and remaining calories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := a.engine.Today(cmd.Context(), a.username)
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), day)
			}
			printDay(cmd.OutOrStdout(), day)
			return nil
		},
	}
}

func rolloverCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Fold past days' entries into calorie history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.engine.Rollover(cmd.Context(), a.username)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled over %d entries\n", n)
			return nil
		},
	}
}

func foodsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foods",
		Short: "Manage the shared food catalog",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every catalog entry",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				foods, err := a.engine.ListFoods(cmd.Context())
				if err != nil {
					return err
				}
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), foods)
				}
				printFoods(cmd.OutOrStdout(), foods)
				return nil
			},
		},
		foodsSearchCommand(a),
		foodsAddCommand(a),
		foodsUpdateCommand(a),
		&cobra.Command{
			Use:   "delete [id]",
			Short: "Delete a catalog entry. Log entries keep their snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.engine.DeleteFood(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func foodsSearchCommand(a *app) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "search [query...]",
		Short: "Rank catalog entries against a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := a.engine.SearchFoods(cmd.Context(), strings.Join(args, " "), top)
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), candidates)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CONFIDENCE\tID\tNAME\tSERVING\tKCAL")
			for _, c := range candidates {
				fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\t%g\n", c.Confidence, c.Food.ID, c.Food.Name, c.Food.ServingDescription, c.Food.Calories)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&top, "top", "n", catalog.DefaultTopN, "Maximum number of results")
	return cmd
}

// nutritionFlags binds the nutrition fields shared by add and update.
type nutritionFlags struct {
	name, serving                 string
	calories, protein, carbs, fat float64
}

func (f *nutritionFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Food name")
	cmd.Flags().StringVar(&f.serving, "serving", "", "Serving description, e.g. \"1 cup\"")
	cmd.Flags().Float64Var(&f.calories, "calories", 0, "Calories per serving")
	cmd.Flags().Float64Var(&f.protein, "protein", 0, "Protein per serving in grams")
	cmd.Flags().Float64Var(&f.carbs, "carbs", 0, "Carbohydrates per serving in grams")
	cmd.Flags().Float64Var(&f.fat, "fat", 0, "Fat per serving in grams")
}

// optional returns a pointer to v when the named flag was set.
func optional(cmd *cobra.Command, name string, v float64) *float64 {
	if cmd.Flags().Changed(name) {
		return foodledger.Float(v)
	}
	return nil
}

func foodsAddCommand(a *app) *cobra.Command {
	var f nutritionFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a food to the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			food, err := a.engine.AddFood(cmd.Context(), foodledger.FoodIdentity{
				Name:               f.name,
				ServingDescription: f.serving,
				Calories:           f.calories,
				Protein:            optional(cmd, "protein", f.protein),
				Carbs:              optional(cmd, "carbs", f.carbs),
				Fat:                optional(cmd, "fat", f.fat),
			})
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), food)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s)\n", food.Name, food.ID)
			return nil
		},
	}
	f.bind(cmd)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("calories")
	return cmd
}

func foodsUpdateCommand(a *app) *cobra.Command {
	var f nutritionFlags
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change fields of a catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch foodledger.FoodPatch
			if cmd.Flags().Changed("name") {
				patch.Name = foodledger.String(f.name)
			}
			if cmd.Flags().Changed("serving") {
				patch.ServingDescription = foodledger.String(f.serving)
			}
			patch.Calories = optional(cmd, "calories", f.calories)
			patch.Protein = optional(cmd, "protein", f.protein)
			patch.Carbs = optional(cmd, "carbs", f.carbs)
			patch.Fat = optional(cmd, "fat", f.fat)

			food, err := a.engine.UpdateFood(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), food)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (%s)\n", food.Name, food.ID)
			return nil
		},
	}
	f.bind(cmd)
	return cmd
}

func entryCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Edit or delete today's log entries",
	}

	var (
		multiplier float64
		notes      string
	)
	edit := &cobra.Command{
		Use:   "edit [id]",
		Short: "Change the multiplier or notes of a log entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch foodledger.LogPatch
			patch.QuantityMultiplier = optional(cmd, "multiplier", multiplier)
			if cmd.Flags().Changed("notes") {
				patch.Notes = foodledger.String(notes)
			}
			entry, err := a.engine.EditLogEntry(cmd.Context(), a.username, args[0], patch)
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), entry)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated entry %s\n", entry.ID)
			return nil
		},
	}
	edit.Flags().Float64VarP(&multiplier, "multiplier", "m", 1, "Servings consumed")
	edit.Flags().StringVar(&notes, "notes", "", "Free-text notes")

	del := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a log entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.engine.DeleteLogEntry(cmd.Context(), a.username, args[0])
		},
	}

	cmd.AddCommand(edit, del)
	return cmd
}

func goalCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "goal [kcal]",
		Short: "Set the daily calorie goal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			goal, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return foodledger.NewError(foodledger.KindInput, "cli.goal", err)
			}
			return a.engine.SetCalorieGoal(cmd.Context(), a.username, goal)
		},
	}
}

func timezoneCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "timezone [zone]",
		Short:   "Set the IANA timezone used for day boundaries",
		Long:    `Set the IANA timezone used for day boundaries. An empty zone disables rollover.`,
		Example: `  ledger timezone America/Chicago`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.engine.SetTimezone(cmd.Context(), a.username, args[0])
		},
	}
}

func accountCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "account",
		Short: "Show the account, creating it with defaults if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := a.engine.Account(cmd.Context(), a.username)
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), acct)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: goal %g kcal, timezone %q, %d live entries, %d history days\n",
				acct.Username, acct.CalorieGoal, acct.Timezone, len(acct.Logs), len(acct.CalorieHistory))
			return nil
		},
	}
}

func dumpCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Dump the raw account and today's resolved entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			acct, err := a.engine.Account(cmd.Context(), a.username)
			if err != nil {
				return err
			}
			day, err := a.engine.Today(cmd.Context(), a.username)
			if err != nil {
				return err
			}
			foodledger.Fdump(cmd.OutOrStdout(), acct, day)
			return nil
		},
	}
}

func printDay(w io.Writer, day ledger.Day) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\n", day.Date)
	for _, r := range day.Entries {
		fmt.Fprintf(tw, "%s\t%s\tx%g\t%.0f kcal\t%s\n", r.Entry.ID, r.Food.Name, r.Entry.QuantityMultiplier, r.Calories, r.Source)
	}
	fmt.Fprintf(tw, "total\t%.0f kcal\tgoal\t%.0f kcal\tremaining\t%.0f kcal\n", day.Total, day.Goal, day.Remaining)
	tw.Flush() // nolint: errcheck
}

func printFoods(w io.Writer, foods []foodledger.FoodIdentity) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSERVING\tKCAL")
	for _, f := range foods {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\n", f.ID, f.Name, f.ServingDescription, f.Calories)
	}
	tw.Flush() // nolint: errcheck
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
