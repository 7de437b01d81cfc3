package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/model"
)

var trainCmd = &cobra.Command{
	Use:   "train <session-id>",
	Short: "Train the session's model on its labeled images",
	Long: `Trains on the labeled images not yet used by a previous pass, or on all
labeled images with --full. A pass needs more labeled images than one
training batch (classifier.min_batch_size).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		full, _ := cmd.Flags().GetBool("full")
		err = env.Classifier.TrainModelBySession(ctx, id, full)
		var tpe *model.TrainingPreconditionError
		if errors.As(err, &tpe) {
			fmt.Fprintf(os.Stderr, "Not enough labeled images: have %d, need %d. Label more images first.\n", tpe.Have, tpe.Need)
			return err
		}
		if err != nil {
			return err
		}

		sess, err := env.Store.GetSession(ctx, id)
		if err != nil {
			return err
		}
		zap.L().Info("training complete",
			zap.Int64("session_id", id),
			zap.Strings("classes", sess.LabelMap.Names()),
		)
		fmt.Printf("Session %d trained on %d classes: %v\n", id, len(sess.LabelMap), sess.LabelMap.Names())
		return nil
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict <session-id>",
	Short: "Predict labels for a batch of unlabeled images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := parseSessionID(args[0])
		if err != nil {
			return err
		}
		env, err := initLabeler(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		budget, _ := cmd.Flags().GetInt("budget")
		if budget <= 0 {
			budget = cfg.Classifier.PredictBudget
		}

		did, err := env.Classifier.PredictImages(ctx, id, budget)
		if err != nil {
			return err
		}
		if !did {
			fmt.Fprintln(os.Stderr, "Nothing to predict.")
			return nil
		}

		records, err := env.Ledger.List(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Prediction batch complete for session %d (%d errors in ledger).\n", id, len(records))
		return nil
	},
}

func init() {
	trainCmd.Flags().Bool("full", false, "retrain on every labeled image, not only new ones")
	predictCmd.Flags().Int("budget", 0, "max images to predict (default from config)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(predictCmd)
}
