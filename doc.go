// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

/*
The uwmf package contains tools and functions to remove salt and pepper
noise from grayscale images, using a noise adaptive weighted mean filter
which fits a plane through the clean pixels around each corrupted one.
It also contains tools to simulate noise and measure how well it was
removed, and to run restoration of large batches of images as a
distributed pipeline.

The filter

The filter itself is in the restore package. A pixel is treated as
corrupted if it is exactly 0 or 255. Every corrupted pixel is replaced
using only the uncorrupted pixels in a square window around it, weighted
by their inverse Minkowski distance from the centre raised to a fall-off
power. A plane is fitted through those pixels and used to tilt the
weighted mean, so that edges and gradients are kept. Three parameters
control the filter: the window radius (-w), the Minkowski exponent (-p)
and the fall-off exponent (-k).

The uwmf command restores single images, and can also corrupt clean
images and simulate restoration across a range of noise densities:
  uwmf -i noisy.png -o clean.png
  uwmf -d 0.3 -i clean.png -o noisy.png corrupt
  uwmf -i clean.png -graph psnr.png -pdf report.pdf simulate

Quality of a restoration is measured by the metrics package, which
gives MSE, PSNR, SSIM, windowed MSSIM and the image enhancement factor.

The pipeline

Big batches of images are restored by the restorepipeline command, which
watches two queues. A message on the restore queue names a batch of images
in storage, optionally followed by filter parameters:
  mybatch 2 1 4
Each image in the batch is restored, with its statistics saved beside it,
and the batch is then added to the analyse queue, where a graph, a PDF
report and a compressed summary table are made for it.

The pipeline can use Amazon's S3 and SQS services, or a local directory
for testing and for running on a single computer. To set up the AWS
resources, run mkpipeline. Batches are added with batchtopipeline,
watched with lspipeline, fetched with getpipelinebatch and removed with
rmbatch. All of the tools give usage information with the '-h' flag.
*/
package uwmf
