package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/face-attendance/internal/gallery"
	"github.com/example/face-attendance/internal/usecase"
)

func newVerifyCmd(load loader) *cobra.Command {
	var imagePath, embeddingPath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify one face image or embedding against the gallery and print the result as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (imagePath == "") == (embeddingPath == "") {
				return errors.New("exactly one of --image or --embedding is required")
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx := cmd.Context()
			source, closeSource, err := openGallery(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeSource()

			var (
				uc  *usecase.VerificationUseCase
				v   *usecase.Verification
				raw []byte
			)
			matcher := gallery.NewMatcher(cfg.Match.Threshold)

			if imagePath != "" {
				raw, err = os.ReadFile(imagePath)
				if err != nil {
					return fmt.Errorf("reading image: %w", err)
				}
				extractor, closeDetector, err := openExtractor(ctx, cfg, logger)
				if err != nil {
					return err
				}
				defer closeDetector()
				uc = usecase.NewVerificationUseCase(extractor, source, matcher, cfg.Embedding.Dim, logger)
				v, err = uc.VerifyByImage(ctx, raw)
				if err != nil {
					return err
				}
			} else {
				vec, err := readEmbeddingFile(embeddingPath)
				if err != nil {
					return err
				}
				uc = usecase.NewVerificationUseCase(nil, source, matcher, cfg.Embedding.Dim, logger)
				v, err = uc.VerifyByEmbedding(ctx, vec)
				if err != nil {
					return err
				}
			}

			return writeReport(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "path to a face image")
	cmd.Flags().StringVar(&embeddingPath, "embedding", "", `path to a JSON file holding an embedding array or {"embedding": [...]}`)
	return cmd
}

func newGalleryCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "gallery",
		Short: "List enrolled identities with their template counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			source, closeSource, err := openGallery(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeSource()

			return listGallery(cmd.Context(), cmd.OutOrStdout(), source)
		},
	}
}

func listGallery(ctx context.Context, out io.Writer, source gallery.Source) error {
	identities, err := source.Identities(ctx)
	if err != nil {
		return fmt.Errorf("loading gallery: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLL\tTEMPLATES\tMALFORMED")
	var templates, malformed int
	for _, ident := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", ident.ID, ident.Profile.Name, ident.Profile.RollNumber, len(ident.Templates), ident.Malformed)
		templates += len(ident.Templates)
		malformed += ident.Malformed
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%d identities, %d templates, %d malformed\n", len(identities), templates, malformed)
	return err
}

func readEmbeddingFile(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading embedding: %w", err)
	}

	var vec []float64
	if err := json.Unmarshal(raw, &vec); err == nil {
		return vec, nil
	}
	var wrapped struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding embedding %s: %w", path, err)
	}
	if wrapped.Embedding == nil {
		return nil, fmt.Errorf("decoding embedding %s: no embedding field", path)
	}
	return wrapped.Embedding, nil
}

type verificationReport struct {
	RequestID        string           `json:"request_id"`
	Matched          bool             `json:"matched"`
	ID               string           `json:"id,omitempty"`
	Profile          *gallery.Profile `json:"student,omitempty"`
	Confidence       float64          `json:"confidence,omitempty"`
	FaceQuality      *float64         `json:"face_quality,omitempty"`
	Scanned          int              `json:"scanned"`
	SkippedTemplates int              `json:"skipped_templates"`
}

func writeReport(out io.Writer, v *usecase.Verification) error {
	report := verificationReport{
		RequestID:        v.RequestID,
		Matched:          v.Match.Matched(),
		FaceQuality:      v.Quality,
		Scanned:          v.Match.Scanned,
		SkippedTemplates: v.Match.SkippedTemplates,
	}
	if v.Match.Matched() {
		report.ID = v.Match.Identity.ID
		report.Profile = &v.Match.Identity.Profile
		report.Confidence = v.Match.Confidence
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
