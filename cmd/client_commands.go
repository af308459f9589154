package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/session"
)

func newCaptionsCommand(cc *commandContext) *cobra.Command {
	var lang string
	var translate bool

	cmd := &cobra.Command{
		Use:   "captions <videoId>",
		Short: "Fetch and print the captions of a video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cc.backend(ctx)
			if err != nil {
				return err
			}

			settings := cc.settings
			if lang != "" {
				settings.CaptionLanguage = lang
			}
			settings.TranslationEnabled = translate

			sess := session.New(b,
				session.WithSettings(settings),
				session.WithConcurrency(cc.cfg.Translate.Concurrency),
			)
			if err := sess.LoadVideo(ctx, args[0]); err != nil {
				return err
			}
			state := sess.Snapshot()

			headers := []string{"#", "Start", "End", "Text"}
			aligns := []columnAlignment{alignRight, alignRight, alignRight, alignLeft}
			if translate {
				headers = append(headers, "Translation")
				aligns = append(aligns, alignLeft)
			}

			rows := make([][]string, 0, len(state.Cues))
			for i, cue := range state.Cues {
				row := []string{
					strconv.Itoa(i + 1),
					formatSeconds(cue.Start),
					formatSeconds(cue.End),
					cue.Text,
				}
				if translate {
					row = append(row, state.Translations[i])
				}
				rows = append(rows, row)
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}

	cmd.Flags().StringVar(&lang, "lang", "", "Preferred caption language (default from settings)")
	cmd.Flags().BoolVar(&translate, "translate", false, "Translate every cue with the current settings")
	return cmd
}

func newTranslateCommand(cc *commandContext) *cobra.Command {
	var target string
	var ratio float64
	var model string

	cmd := &cobra.Command{
		Use:   "translate <text>",
		Short: "Translate one line of text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cc.backend(ctx)
			if err != nil {
				return err
			}

			req := llm.Request{
				Text:           strings.Join(args, " "),
				TargetLanguage: cc.settings.TranslationLanguage,
				MixRatio:       cc.settings.MixRatio,
				Model:          cc.settings.SelectedModel,
			}
			if cmd.Flags().Changed("to") {
				req.TargetLanguage = target
			}
			if cmd.Flags().Changed("ratio") {
				req.MixRatio = ratio
			}
			if cmd.Flags().Changed("model") {
				req.Model = model
			}

			out, err := b.TranslateLine(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "to", "", "Target language code")
	cmd.Flags().Float64Var(&ratio, "ratio", 1, "Share of the text to translate, 0 to 1")
	cmd.Flags().StringVar(&model, "model", "", "Model id (default: active model)")
	return cmd
}

func newModelsCommand(cc *commandContext) *cobra.Command {
	var selectID string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List eligible models, or select one with --select",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cc.backend(ctx)
			if err != nil {
				return err
			}

			res, err := b.Models(ctx)
			if err != nil {
				return err
			}
			if selectID != "" {
				if err := b.SelectModel(ctx, selectID); err != nil {
					return err
				}
				res.ActiveModel = selectID
			}

			rows := make([][]string, 0, len(res.Models))
			for _, id := range res.Models {
				active := ""
				if id == res.ActiveModel {
					active = "*"
				}
				rows = append(rows, []string{id, active})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable([]string{"Model", "Active"}, rows, []columnAlignment{alignLeft, alignLeft}))
			if res.NextRefresh != nil {
				fmt.Fprintf(out, "Next refresh: %s\n", res.NextRefresh.Local().Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&selectID, "select", "", "Make this model active")
	return cmd
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
